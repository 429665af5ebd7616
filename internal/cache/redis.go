package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent. Callers that can degrade
// (idempotency, unread counts) treat it the same as a cache outage.
var ErrMiss = errors.New("cache miss")

// Cache is a thin wrapper around the redis client that applies a per-op
// deadline so a slow cache can never stall the delivery pipeline.
type Cache struct {
	rdb     *redis.Client
	timeout time.Duration
}

// Connect parses the redis URL, opens a client, and verifies connectivity.
func Connect(ctx context.Context, url string, timeout time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{rdb: rdb, timeout: timeout}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, timeout time.Duration) *Cache {
	return &Cache{rdb: rdb, timeout: timeout}
}

func (c *Cache) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// SetNX is the atomic set-if-absent primitive behind distributed locks.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Incr(ctx, key).Result()
}

// Ping is used by the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.rdb.Close() }
