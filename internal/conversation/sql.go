package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

const upsert = `INSERT INTO conversations (id, query, response, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET query = excluded.query, response = excluded.response, created_at = excluded.created_at`

// SQLStore keeps records in Postgres or SQLite. Expiry is applied on read.
type SQLStore struct {
	db      *sqlx.DB
	backend string
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// OpenSQL connects, checks the connection and creates the table.
func OpenSQL(ctx context.Context, backend, dsn string, ttl time.Duration, logger *zap.Logger) (*SQLStore, error) {
	driver := "postgres"
	if backend == "sqlite" {
		driver = "sqlite3"
		if dsn == "" {
			dsn = "file:touch.db?_journal_mode=WAL"
		}
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", backend, err)
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	s := NewSQLStore(db, backend, ttl, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open handle. Tests pass a sqlmock-backed one.
func NewSQLStore(db *sqlx.DB, backend string, ttl time.Duration, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, backend: backend, ttl: ttl, logger: logger, now: time.Now}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) (err error) {
	defer func() { observe(s.backend, "save", err) }()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsert), rec.ID, rec.Query, rec.Response, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (rec Record, err error) {
	defer func() { observe(s.backend, "get", err) }()
	q := s.db.Rebind(`SELECT id, query, response, created_at FROM conversations WHERE id = ?`)
	if err := s.db.GetContext(ctx, &rec, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if s.ttl > 0 && s.now().Sub(rec.Timestamp) > s.ttl {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Purge deletes expired rows and reports how many went.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM conversations WHERE created_at < ?`), s.now().Add(-s.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Purged expired conversations", zap.Int64("count", n))
	}
	return n, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }
