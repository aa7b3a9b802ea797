package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
)

const keyPrefix = "touch:conversation:"

// RedisStore keeps records as JSON with a TTL. All commands go through the
// circuit breaker.
type RedisStore struct {
	client *circuitbreaker.RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(client *circuitbreaker.RedisClient, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(id string) string { return keyPrefix + id }

func (s *RedisStore) Save(ctx context.Context, rec Record) (err error) {
	defer func() { observe("redis", "save", err) }()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), data, s.ttl); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (rec Record, err error) {
	defer func() { observe("redis", "get", err) }()
	data, err := s.client.Get(ctx, s.key(id))
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	rec.ID = id
	return rec, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *RedisStore) Close() error { return s.client.Close() }
