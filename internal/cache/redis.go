package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a cache backend backed by a Redis server, for deployments with
// multiple engine replicas sharing experiment metadata.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis cache backend from a connection URL
// (e.g. "redis://localhost:6379/0").
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "darasa"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

// Get returns the cached value when present.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		// redis.Nil and transport errors are both treated as a miss;
		// the caller falls through to storage.
		return nil, false
	}
	return val, true
}

// Set stores a value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) {
	r.client.Del(ctx, r.key(key))
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
