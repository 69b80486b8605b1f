package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration // 0 keeps entries until evicted
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a new Redis client and pings it
func NewRedisClient(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		DB:           cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Exists reports whether a result for (hash, field) has been marked
func (r *RedisCache) Exists(ctx context.Context, hash, field string) (bool, error) {
	n, err := r.client.Exists(ctx, Key(hash, field)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrCacheUnavailable, field, err)
	}
	return n > 0, nil
}

// Mark records that a result for (hash, field) is durable
func (r *RedisCache) Mark(ctx context.Context, hash, field, value string) error {
	if err := r.client.Set(ctx, Key(hash, field), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: mark %s: %v", ErrCacheUnavailable, field, err)
	}
	return nil
}

// Ping checks connectivity, used by health endpoints
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
