// Package cache wraps a Redis client for idempotency locks, rate-limit
// counters, and the list/sorted-set primitives the queue substrate uses as
// its durable backing store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// Cache wraps the Redis client.
type Cache struct {
	Client *redis.Client
}

// NewCache creates a new Redis cache client from a REDIS_URL.
func NewCache(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.PoolSize / 2
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &Cache{Client: client}, nil
}

// NewFromClient wraps an already-constructed client (used by tests against miniredis).
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{Client: client}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health.
func (c *Cache) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets a key only if it does not already exist, returning whether it was set.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

// Delete deletes a key.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

// Incr increments a counter.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.Client.Incr(ctx, key).Result()
}

// IncrBy increments a counter by a specific amount.
func (c *Cache) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return c.Client.IncrBy(ctx, key, value).Result()
}

// Expire sets expiration on a key.
func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, key, expiration).Err()
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.Client.Exists(ctx, keys...).Result()
}

// LPush pushes a value onto the head of a list (used as a FIFO queue with RPop).
func (c *Cache) LPush(ctx context.Context, key string, value interface{}) error {
	return c.Client.LPush(ctx, key, value).Err()
}

// BRPopLPush atomically moves a value from the tail of src to the head of dst,
// blocking up to timeout. It is the queue substrate's reliable-dequeue primitive:
// dst is a per-worker "in-flight" list so a crashed worker's job can be recovered.
func (c *Cache) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	return c.Client.BRPopLPush(ctx, src, dst, timeout).Result()
}

// RPush pushes a value onto the tail of a list, where BRPopLPush pops from:
// used to jump a manually triggered job ahead of the queue.
func (c *Cache) RPush(ctx context.Context, key string, value interface{}) error {
	return c.Client.RPush(ctx, key, value).Err()
}

// LRem removes up to count occurrences of value from a list.
func (c *Cache) LRem(ctx context.Context, key string, count int64, value interface{}) error {
	return c.Client.LRem(ctx, key, count, value).Err()
}

// LLen returns the length of a list.
func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	return c.Client.LLen(ctx, key).Result()
}

// ZAdd adds a member to a sorted set with the given score (used for delayed/retry scheduling).
func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.Client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with score in [min, max].
func (c *Cache) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return c.Client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZRem removes a member from a sorted set.
func (c *Cache) ZRem(ctx context.Context, key string, member string) error {
	return c.Client.ZRem(ctx, key, member).Err()
}

// HSet sets fields on a hash (used for per-job metadata: attempts, status, last error).
func (c *Cache) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return c.Client.HSet(ctx, key, values).Err()
}

// HGetAll returns all fields of a hash.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.Client.HGetAll(ctx, key).Result()
}
