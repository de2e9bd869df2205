package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quivertree/invoicemem/internal/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "invoicemem:mem:"

// Cached decorates a memory store with a Redis read-through cache for
// GetByID. Save writes through and refreshes the cached entry, which keeps
// the read-modify-write in learn from serving stale confidence values.
// Search always hits the backing store; no caching semantics are defined
// for substring search.
type Cached struct {
	backing memory.Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCached connects to Redis and wraps the backing store.
func NewCached(redisURL string, backing memory.Store, ttl time.Duration, logger *zap.Logger) (*Cached, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{backing: backing, rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Close releases the Redis connection. The backing store is not closed.
func (c *Cached) Close() error {
	return c.rdb.Close()
}

// Save writes through to the backing store, then refreshes the cache.
// A cache write failure is logged, never surfaced: the store is the
// source of truth.
func (c *Cached) Save(ctx context.Context, m *memory.Memory) error {
	if err := c.backing.Save(ctx, m); err != nil {
		return err
	}
	if data, err := json.Marshal(m); err == nil {
		if err := c.rdb.Set(ctx, cacheKeyPrefix+m.ID, data, c.ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", zap.String("id", m.ID), zap.Error(err))
		}
	}
	return nil
}

// GetByID serves from Redis when possible, falling back to the backing store.
func (c *Cached) GetByID(ctx context.Context, id string) (*memory.Memory, error) {
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+id).Bytes()
	if err == nil {
		var m memory.Memory
		if jsonErr := json.Unmarshal(data, &m); jsonErr == nil {
			return &m, nil
		}
		// Corrupt cache entry: drop it and fall through to the store.
		c.rdb.Del(ctx, cacheKeyPrefix+id)
	} else if err != redis.Nil {
		c.logger.Warn("cache read failed", zap.String("id", id), zap.Error(err))
	}

	m, err := c.backing.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, jsonErr := json.Marshal(m); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, cacheKeyPrefix+id, data, c.ttl).Err(); setErr != nil {
			c.logger.Warn("cache fill failed", zap.String("id", id), zap.Error(setErr))
		}
	}
	return m, nil
}

// SearchByText passes through to the backing store.
func (c *Cached) SearchByText(ctx context.Context, query string, limit int) ([]*memory.Memory, error) {
	return c.backing.SearchByText(ctx, query, limit)
}
