package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "evalcore"

// RedisBackend stores entries as plain string keys "evalcore:{namespace}:{key}".
// Expiry is delegated to Redis via ttl.
type RedisBackend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBackend wraps client. A zero ttl keeps entries until evicted by
// the server.
func NewRedisBackend(client redis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(ctx context.Context, rawURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisBackend(client, ttl), nil
}

func (b *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := b.client.Set(ctx, redisKey(namespace, key), value, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, namespace, key string) error {
	if err := b.client.Del(ctx, redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Count scans the evalcore keyspace.
func (b *RedisBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// redisKey escapes the namespace so the first ':' after the prefix always
// ends it.
func redisKey(namespace, key string) string {
	return redisKeyPrefix + ":" + url.QueryEscape(namespace) + ":" + key
}
