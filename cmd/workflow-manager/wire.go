package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/xscopehub/grantflow/internal/config"
	"github.com/xscopehub/grantflow/internal/idempotency"
	"github.com/xscopehub/grantflow/internal/queue"
	"github.com/xscopehub/grantflow/internal/registry"
	"github.com/xscopehub/grantflow/internal/repository"
	"github.com/xscopehub/grantflow/internal/workflow"
)

// closers runs shutdown steps in reverse order of registration.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// buildRegistry registers the built-in workflow types plus any from the
// definitions file, then freezes the registry.
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	reg := registry.New(registry.DefaultCatalog())
	groups := [][]registry.FileDefinition{registry.Builtin()}
	if cfg.Workflows.DefinitionsFile != "" {
		defs, err := registry.LoadDefinitionsFile(cfg.Workflows.DefinitionsFile)
		if err != nil {
			return nil, err
		}
		groups = append(groups, defs)
	}
	if err := registry.Boot(reg, groups...); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		store, err := repository.NewPostgresStore(ctx, repository.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxConnections:  cfg.Store.MaxConnections,
			MaxConnIdleTime: cfg.Store.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
			logger.Info("database schema migrated")
		}
		return store, nil
	case "memory":
		logger.Warn("using in-memory store, state is lost on exit")
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildDirectory(cfg config.Config, store repository.Store) (repository.Directory, error) {
	if cfg.Directory.Mode != "postgres" {
		dir := repository.NewStaticDirectory()
		dir.Permissive = true
		return dir, nil
	}
	pg, ok := store.(*repository.PostgresStore)
	if !ok {
		return nil, errors.New("directory mode postgres needs the postgres store")
	}
	q := repository.DirectoryQueries{User: cfg.Directory.UserQuery, Entities: map[workflow.EntityType]string{}}
	for typ, query := range cfg.Directory.EntityQueries {
		q.Entities[workflow.EntityType(typ)] = query
	}
	return repository.NewPostgresDirectory(pg.Pool(), q), nil
}

func buildCache(cfg config.Config, cl *closers) (*idempotency.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	icfg := idempotency.Config{
		Enabled:     true,
		NumCounters: cfg.Cache.NumCounters,
		MaxCost:     cfg.Cache.MaxCost,
		BufferItems: cfg.Cache.BufferItems,
		TTL:         cfg.Cache.TTL,
	}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Username: cfg.Cache.RedisUsername,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		cl.add(func() { _ = rdb.Close() })
		icfg.Redis = rdb
	}
	cache, err := idempotency.New(icfg)
	if err != nil {
		return nil, err
	}
	cl.add(cache.Close)
	return cache, nil
}

func buildSource(ctx context.Context, cfg config.Config, logger *slog.Logger, cl *closers) (queue.Source, error) {
	qc := cfg.Queue
	switch qc.Driver {
	case "nats":
		nc, err := nats.Connect(qc.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		cl.add(func() { _ = nc.Drain() })
		return queue.NewJetStreamSource(ctx, nc, queue.JetStreamConfig{
			Stream:     qc.NATS.Stream,
			Subject:    qc.NATS.Subject,
			Durable:    qc.NATS.Durable,
			Visibility: qc.Visibility,
			FetchWait:  qc.FetchWait,
			MaxDeliver: qc.NATS.MaxDeliver,
		})
	case "kafka":
		src := queue.NewKafkaSource(kafkaSourceConfig(cfg))
		cl.add(func() { _ = src.Close() })
		return src, nil
	case "sqs":
		return queue.NewSQSSource(ctx, queue.SQSConfig{
			Region:        qc.SQS.Region,
			QueueURL:      qc.SQS.QueueURL,
			DeadLetterURL: qc.SQS.DeadLetterURL,
			Visibility:    qc.Visibility,
			FetchWait:     qc.FetchWait,
		})
	case "memory":
		logger.Warn("using in-memory queue, only events enqueued by this process are seen")
		return queue.NewMemorySource(qc.Visibility), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", qc.Driver)
	}
}

func kafkaSourceConfig(cfg config.Config) queue.KafkaConfig {
	kc := cfg.Queue.Kafka
	return queue.KafkaConfig{
		Brokers:     kc.Brokers,
		Topic:       kc.Topic,
		GroupID:     kc.GroupID,
		DeadLetter:  kc.DeadLetterTopic,
		FetchWait:   cfg.Queue.FetchWait,
		MaxAttempts: kc.MaxAttempts,
	}
}
