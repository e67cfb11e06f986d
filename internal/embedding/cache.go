package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores embedding vectors by key. Entries are never mutated once set.
type Cache interface {
	Get(key string) ([]float32, bool)
	Set(key string, vec []float32)
	Len() int
	Clear()
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]float32)}
}

func (c *MemoryCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *MemoryCache) Set(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = vec
	}
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]float32)
}

// TieredCache reads through a local L1 into a shared L2. L2 hits are
// promoted into L1.
type TieredCache struct {
	L1 Cache
	L2 Cache
}

func (c *TieredCache) Get(key string) ([]float32, bool) {
	if v, ok := c.L1.Get(key); ok {
		return v, true
	}
	if c.L2 == nil {
		return nil, false
	}
	v, ok := c.L2.Get(key)
	if ok {
		c.L1.Set(key, v)
	}
	return v, ok
}

func (c *TieredCache) Set(key string, vec []float32) {
	c.L1.Set(key, vec)
	if c.L2 != nil {
		c.L2.Set(key, vec)
	}
}

// Len reports the L1 size.
func (c *TieredCache) Len() int { return c.L1.Len() }

func (c *TieredCache) Clear() {
	c.L1.Clear()
	if c.L2 != nil {
		c.L2.Clear()
	}
}

const redisKeyPrefix = "quizrag:emb:"

// RedisCache is a Cache shared between processes. Redis failures are logged
// and treated as misses.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache connects to the Redis instance at url (redis://host:port/db)
// and verifies it with PING.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl, timeout: time.Second}, nil
}

func (c *RedisCache) Get(key string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	b, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.Debug("redis embedding cache get failed", "error", err)
		return nil, false
	}
	v, err := DecodeVector(b)
	if err != nil {
		slog.Debug("redis embedding cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

func (c *RedisCache) Set(key string, vec []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.SetNX(ctx, redisKeyPrefix+key, EncodeVector(vec), c.ttl).Err(); err != nil {
		slog.Debug("redis embedding cache set failed", "error", err)
	}
}

func (c *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*c.timeout)
	defer cancel()

	n := 0
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		slog.Debug("redis embedding cache scan failed", "error", err)
	}
	return n
}

func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*c.timeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Warn("redis embedding cache delete failed", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("redis embedding cache clear failed", "error", err)
	}
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
