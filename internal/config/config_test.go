package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var envKeys = []string{
	"WORKFLOW_CYCLE_DURATION", "WORKFLOW_MAXIMUM_BATCH_COUNT", "QUEUE_DRIVER", "NATS_URL", "KAFKA_BROKERS",
	"SQS_QUEUE_URL", "AWS_REGION", "STORE_DRIVER", "DATABASE_URL", "REDIS_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"ADMIN_ADDRESS", "LOG_LEVEL",
}

func unsetEnv(keys ...string) func() {
	prev := make(map[string]string)
	for _, k := range keys {
		prev[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range prev {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	restore := unsetEnv(envKeys...)
	defer restore()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Manager.CycleDuration != 10*time.Second {
		t.Fatalf("expected 10s cycle, got %s", cfg.Manager.CycleDuration)
	}
	if cfg.Manager.MaximumBatchCount != 0 {
		t.Fatalf("expected indefinite run, got %d", cfg.Manager.MaximumBatchCount)
	}
	if cfg.Queue.Driver != "memory" || cfg.Store.Driver != "memory" {
		t.Fatalf("unexpected drivers: %s/%s", cfg.Queue.Driver, cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	restore := unsetEnv(envKeys...)
	defer restore()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	restore := unsetEnv(envKeys...)
	defer restore()

	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
manager:
  cycle_duration: 30s
  batch_size: 25
queue:
  driver: kafka
  kafka:
    topic: grants
    max_attempts: 7
store:
  driver: postgres
directory:
  mode: postgres
  entity_queries:
    opportunity: SELECT 1 FROM opportunity WHERE id = $1
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	os.Setenv("WORKFLOW_CYCLE_DURATION", "5")
	os.Setenv("WORKFLOW_MAXIMUM_BATCH_COUNT", "3")
	os.Setenv("KAFKA_BROKERS", "k1:9092,k2:9093")
	os.Setenv("DATABASE_URL", "postgres://user:pass@db:5432/grants")
	os.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Manager.CycleDuration != 5*time.Second {
		t.Fatalf("env must override file, got %s", cfg.Manager.CycleDuration)
	}
	if cfg.Manager.MaximumBatchCount != 3 || cfg.Manager.BatchSize != 25 {
		t.Fatalf("unexpected manager config: %+v", cfg.Manager)
	}
	if !reflect.DeepEqual(cfg.Queue.Kafka.Brokers, []string{"k1:9092", "k2:9093"}) {
		t.Fatalf("unexpected brokers: %#v", cfg.Queue.Kafka.Brokers)
	}
	if cfg.Queue.Kafka.Topic != "grants" || cfg.Queue.Kafka.GroupID != "workflow-manager" || cfg.Queue.Kafka.MaxAttempts != 7 {
		t.Fatalf("file values must merge over defaults: %+v", cfg.Queue.Kafka)
	}
	if cfg.Store.DSN != "postgres://user:pass@db:5432/grants" {
		t.Fatalf("unexpected dsn %q", cfg.Store.DSN)
	}
	if !cfg.Cache.Enabled || cfg.Cache.RedisAddr != "redis:6379" {
		t.Fatalf("REDIS_ADDR must enable the shared cache: %+v", cfg.Cache)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCycleDurationAcceptsGoDuration(t *testing.T) {
	restore := unsetEnv(envKeys...)
	defer restore()
	os.Setenv("WORKFLOW_CYCLE_DURATION", "1500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Manager.CycleDuration != 1500*time.Millisecond {
		t.Fatalf("got %s", cfg.Manager.CycleDuration)
	}
}

func TestBadEnv(t *testing.T) {
	restore := unsetEnv(envKeys...)
	defer restore()
	os.Setenv("WORKFLOW_MAXIMUM_BATCH_COUNT", "many")

	if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"negative_batches": func(c *Config) { c.Manager.MaximumBatchCount = -1 },
		"unknown_queue":    func(c *Config) { c.Queue.Driver = "rabbitmq" },
		"sqs_without_url":  func(c *Config) { c.Queue.Driver = "sqs" },
		"unknown_store":    func(c *Config) { c.Store.Driver = "sqlite" },
		"postgres_no_dsn":  func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = " " },
		"directory_memory": func(c *Config) { c.Directory.Mode = "postgres" },
		"kafka_attempts":   func(c *Config) { c.Queue.Kafka.MaxAttempts = -1 },
		"otel_logs_no_sdk": func(c *Config) { c.Log.Format = "otel" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig got %v", err)
			}
		})
	}
}

func TestValidateAcceptsOtelLogsWithTelemetry(t *testing.T) {
	cfg := defaultConfig()
	cfg.Log.Format = "otel"
	cfg.Telemetry.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
