package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisClient guards the handful of commands the conversation store issues.
// redis.Nil is a cache miss, not a failure.
type RedisClient struct {
	client  *redis.Client
	breaker *Breaker
}

func NewRedisClient(client *redis.Client, settings Settings, logger *zap.Logger) *RedisClient {
	return &RedisClient{client: client, breaker: New("redis", "conversation-store", settings, logger)}
}

func (r *RedisClient) Breaker() *Breaker { return r.breaker }

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.breaker.Execute(ctx, func() error {
		return r.client.Ping(ctx).Err()
	})
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	var miss bool
	err := r.breaker.Execute(ctx, func() error {
		v, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return val, nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.breaker.Execute(ctx, func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.breaker.Execute(ctx, func() error {
		return r.client.Del(ctx, keys...).Err()
	})
}

func (r *RedisClient) Close() error { return r.client.Close() }
