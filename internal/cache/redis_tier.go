package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier implements FastTier over a Redis connection. Keys are
// namespaced so stage results share the instance with the queue and the
// progress tracker without colliding.
type RedisTier struct {
	client *redis.Client
}

const redisKeyPrefix = "labextract:cache:"

func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := t.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}
