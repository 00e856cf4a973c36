package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache backs the reputation cache with a Redis deployment shared
// across process restarts and instances.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache connects to the Redis URL and verifies it with a ping.
func NewRedisCache(url string, logger *slog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCache{client: client, logger: logger}, nil
}

// Get fetches the key; a redis outage reads as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis get failed", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

// Set writes the key with expiration. Failures are surfaced but callers
// treat them as soft: the next lookup simply misses.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Open returns a Redis-backed cache when the deployment is reachable and
// falls back to the in-process cache otherwise.
func Open(redisURL string, logger *slog.Logger) Cache {
	if redisURL != "" {
		rc, err := NewRedisCache(redisURL, logger)
		if err == nil {
			logger.Info("reputation cache backed by redis")
			return rc
		}
		logger.Warn("redis unavailable, using in-process cache", "error", err)
	}
	return NewMemoryCache()
}
