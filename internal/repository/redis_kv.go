package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type redisKV struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisKV 创建基于 Redis 的 KVStore。ttl 为 0 时键永不过期。
func NewRedisKV(redisClient *redis.Client, ttl time.Duration) KVStore {
	return &redisKV{redisClient: redisClient, ttl: ttl}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.redisClient.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return v, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string) error {
	if err := r.redisClient.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
