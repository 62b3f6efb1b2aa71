// Package idempotency keeps a fast record of dedupe keys whose transaction
// has already committed. The processed-event table stays authoritative; the
// cache only lets redelivered messages skip a database round-trip.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Enabled     bool
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
	KeyPrefix   string
	Redis       redis.UniversalClient
}

// Cache layers a process-local ristretto cache over an optional Redis set
// shared by all workers.
type Cache struct {
	enabled bool
	ttl     time.Duration
	prefix  string
	local   *ristretto.Cache
	redis   redis.UniversalClient
}

func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64OrDefault(cfg.NumCounters, 100_000),
		MaxCost:     int64OrDefault(cfg.MaxCost, 10_000),
		BufferItems: int64OrDefault(cfg.BufferItems, 64),
	})
	if err != nil {
		return nil, fmt.Errorf("processed cache: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "grantflow:processed:"
	}
	return &Cache{enabled: true, ttl: ttl, prefix: prefix, local: local, redis: cfg.Redis}, nil
}

// Seen reports whether key was marked by this or another worker. A nil
// Cache never reports a hit.
func (c *Cache) Seen(ctx context.Context, key string) (bool, error) {
	if c == nil || !c.enabled || key == "" {
		return false, nil
	}
	if _, ok := c.local.Get(key); ok {
		return true, nil
	}
	if c.redis == nil {
		return false, nil
	}
	n, err := c.redis.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("processed cache lookup: %w", err)
	}
	if n > 0 {
		c.setLocal(key)
		return true, nil
	}
	return false, nil
}

// Mark records key. Call only after the transaction that wrote the
// processed-event row has committed.
func (c *Cache) Mark(ctx context.Context, key string) error {
	if c == nil || !c.enabled || key == "" {
		return nil
	}
	c.setLocal(key)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Set(ctx, c.prefix+key, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("processed cache mark: %w", err)
	}
	return nil
}

func (c *Cache) setLocal(key string) {
	c.local.SetWithTTL(key, struct{}{}, 1, c.ttl)
	c.local.Wait()
}

func (c *Cache) Close() {
	if c == nil || !c.enabled {
		return
	}
	c.local.Close()
}

func int64OrDefault(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
