package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/grantflow/internal/config"
	"github.com/xscopehub/grantflow/internal/queue"
	"github.com/xscopehub/grantflow/internal/registry"
	"github.com/xscopehub/grantflow/internal/repository"
)

const extraDefinitions = `
workflows:
  - workflow_type: grant_closeout
    initial: open
    states: [open, closed]
    terminal_states: [closed]
    required_entity_types: [opportunity]
    transitions:
      - {from: open, event: start_workflow, to: closed}
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WORKFLOW_CYCLE_DURATION", "WORKFLOW_MAXIMUM_BATCH_COUNT", "QUEUE_DRIVER", "STORE_DRIVER",
		"DATABASE_URL", "REDIS_ADDR", "SQS_QUEUE_URL", "ADMIN_ADDRESS", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestValidateCommandPrintsRegistry(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	defs := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(extraDefinitions), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", filepath.Join(dir, "absent.yaml"), "--definitions", defs})
	require.NoError(t, cmd.Execute())

	var summaries []registry.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summaries))
	types := make([]string, 0, len(summaries))
	for _, s := range summaries {
		types = append(types, s.Type)
	}
	assert.Contains(t, types, "grant_closeout")
	assert.Contains(t, types, registry.OpportunityApproval)
}

func TestValidateCommandRejectsBadDefinitions(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	defs := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(defs, []byte("workflows:\n  - workflow_type: broken\n    initial: a\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", filepath.Join(dir, "absent.yaml"), "--definitions", defs})
	require.Error(t, cmd.Execute())
}

func TestOnlyChangedFlagsOverrideConfig(t *testing.T) {
	clearEnv(t)
	v := viper.New()
	cmd := newRunCmd(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--cycle-duration=2s", "--queue=kafka"}))
	require.NoError(t, cmd.PreRunE(cmd, nil))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Manager.BatchSize = 25
	applyOverrides(v, &cfg)

	assert.Equal(t, 2*time.Second, cfg.Manager.CycleDuration)
	assert.Equal(t, "kafka", cfg.Queue.Driver)
	assert.Equal(t, 25, cfg.Manager.BatchSize, "unset flags keep the file value")
}

func TestReadEventRejectsMalformedInput(t *testing.T) {
	_, err := readEvent(strings.NewReader(`{"kind":"start"}`), "-")
	require.ErrorIs(t, err, queue.ErrMalformedEvent)
}

func TestBuildDirectoryModes(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	dir, err := buildDirectory(cfg, repository.NewMemoryStore())
	require.NoError(t, err)
	static, ok := dir.(*repository.StaticDirectory)
	require.True(t, ok)
	assert.True(t, static.Permissive)

	cfg.Directory.Mode = "postgres"
	_, err = buildDirectory(cfg, repository.NewMemoryStore())
	require.Error(t, err)
}

func TestRunWithMemoryDrivers(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Manager.MaximumBatchCount = 2
	cfg.Manager.CycleDuration = 0
	cfg.Server.Enabled = false
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg))
}

func TestWatchSignalsSecondInterruptExits(t *testing.T) {
	sigCh := make(chan os.Signal, 3)
	done := make(chan struct{})
	exited := make(chan int, 1)
	var stops, cancels int
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		watchSignals(sigCh, done, func() { stops++ }, func() { cancels++ }, func(code int) { exited <- code }, logger)
	}()

	sigCh <- syscall.SIGTERM
	sigCh <- syscall.SIGINT
	sigCh <- syscall.SIGINT

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second interrupt did not exit")
	}
	<-finished
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, cancels)
}

func TestWatchSignalsReturnsWhenDone(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	cancels := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		watchSignals(sigCh, done, func() {}, func() { cancels++ }, func(int) { t.Error("unexpected exit") }, logger)
	}()
	sigCh <- syscall.SIGINT
	close(done)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return after done")
	}
	assert.LessOrEqual(t, cancels, 1)
}

func TestKafkaSourceConfigCarriesMaxAttempts(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Queue.Kafka.MaxAttempts = 9
	cfg.Queue.Kafka.DeadLetterTopic = "workflow-dead"

	kc := kafkaSourceConfig(cfg)
	assert.Equal(t, 9, kc.MaxAttempts)
	assert.Equal(t, "workflow-dead", kc.DeadLetter)
	assert.Equal(t, cfg.Queue.Kafka.Topic, kc.Topic)
	assert.Equal(t, cfg.Queue.FetchWait, kc.FetchWait)
}
