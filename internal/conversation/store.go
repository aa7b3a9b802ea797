// Package conversation keeps recent research results by conversation id so
// clients can fetch them again. Records are a cache, not history: they
// expire and may be evicted.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/metrics"
)

var ErrNotFound = errors.New("conversation not found")

// Record is what a client gets back for a conversation id.
type Record struct {
	ID        string    `json:"-" db:"id"`
	Query     string    `json:"query" db:"query"`
	Response  string    `json:"response" db:"response"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// Store is safe for concurrent use. Writes under distinct ids never
// interfere.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewID issues a conversation id.
func NewID() string { return uuid.New().String() }

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, breaker circuitbreaker.Settings, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.TTL, 0), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     os.Getenv("REDIS_PASSWORD"),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		s := NewRedisStore(circuitbreaker.NewRedisClient(client, breaker, logger), cfg.TTL, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return s, nil
	case "postgres", "sqlite":
		return OpenSQL(ctx, cfg.Backend, cfg.DSN, cfg.TTL, logger)
	}
	return nil, fmt.Errorf("unknown conversation store backend %q", cfg.Backend)
}

func observe(backend, op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(backend, op, result).Inc()
}
