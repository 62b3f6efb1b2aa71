package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := New(Config{Enabled: true, TTL: time.Hour, Redis: client})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, mr
}

func TestCacheMarkAndSeen(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Mark(ctx, "msg-1"))
	seen, err = c.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("grantflow:processed:msg-1"))
	assert.Equal(t, time.Hour, mr.TTL("grantflow:processed:msg-1"))
}

func TestCacheSharedAcrossWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newWorker := func() *Cache {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		c, err := New(Config{Enabled: true, Redis: client})
		require.NoError(t, err)
		t.Cleanup(c.Close)
		return c
	}
	a, b := newWorker(), newWorker()

	require.NoError(t, a.Mark(ctx, "msg-2"))
	seen, err := b.Seen(ctx, "msg-2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestCacheRedisFailure(t *testing.T) {
	c, mr := setupCache(t)
	mr.Close()

	_, err := c.Seen(context.Background(), "msg-3")
	require.Error(t, err)
}

func TestCacheDisabled(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, c.Mark(context.Background(), "k"))
	seen, err := c.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, seen)

	var nilCache *Cache
	seen, err = nilCache.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCacheLocalOnly(t *testing.T) {
	c, err := New(Config{Enabled: true})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Mark(context.Background(), "k"))
	seen, err := c.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, seen)
}
