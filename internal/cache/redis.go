package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps JSON-encoded values under prefix+key with the cache TTL.
type RedisStore[V any] struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore[V any](client redis.UniversalClient, prefix string) *RedisStore[V] {
	if prefix == "" {
		prefix = "pryce:"
	}
	return &RedisStore[V]{client: client, prefix: prefix}
}

func (r *RedisStore[V]) Load(ctx context.Context, key string) (V, bool, error) {
	var v V
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, errors.Wrapf(err, "decode %s", key)
	}
	return v, true, nil
}

func (r *RedisStore[V]) Save(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *RedisStore[V]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
