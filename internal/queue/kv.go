package queue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// KV is the persistence contract for queue blobs: plain get/set of one
// value per key, no TTL. The production implementation is Redis; tests
// use an in-memory map.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type redisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps a Redis client as a KV. A missing key reads as
// (nil, nil).
func NewRedisKV(rdb *redis.Client) KV {
	return &redisKV{rdb: rdb}
}

func (k *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := k.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (k *redisKV) Set(ctx context.Context, key string, value []byte) error {
	return k.rdb.Set(ctx, key, value, 0).Err()
}
