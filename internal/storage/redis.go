package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores values as plain strings under "nostrdm:<bucket>:<key>".
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects to the server at url (redis://...).
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("redis storage requires redis_url")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisBackendFromClient(rdb), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func redisKey(bucket, key string) string {
	return "nostrdm:" + bucket + ":" + key
}

// Get reads a value.
func (r *RedisBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, redisKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Put writes a value with no expiry.
func (r *RedisBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := r.rdb.Set(ctx, redisKey(bucket, key), value, 0).Err(); err != nil {
		return fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes a value.
func (r *RedisBackend) Delete(ctx context.Context, bucket, key string) error {
	if err := r.rdb.Del(ctx, redisKey(bucket, key)).Err(); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
