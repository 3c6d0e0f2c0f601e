// Package postgres implements the persistence.Store contracts on
// PostgreSQL via sqlx. Invariants (unique keys, write-once slots,
// forward-only statuses) are enforced at write time with constraints
// and conditional updates.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/persistence"
)

// Config holds store connection settings.
type Config struct {
	URI             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns sane pool settings; the URI must be provided.
func DefaultConfig(uri string) Config {
	return Config{
		URI:             uri,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// Store is the PostgreSQL-backed persistence.Store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects with bounded exponential backoff so a restart during a
// database failover still comes up.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var db *sqlx.DB
	op := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.URI)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("postgres connect failed")
	}); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

func (s *Store) Quizzes() persistence.QuizRepo      { return &quizRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Attempts() persistence.AttemptRepo  { return &attemptRepo{db: s.db, ext: s.db, timeout: s.timeout} }
func (s *Store) Payments() persistence.PaymentRepo  { return &paymentRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Winners() persistence.WinnerRepo    { return &winnerRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Progress() persistence.ProgressRepo { return &progressRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Users() persistence.UserRepo        { return &userRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Audit() persistence.AuditRepo       { return &auditRepo{ext: s.db, timeout: s.timeout} }
func (s *Store) Cheat() persistence.CheatRepo       { return &cheatRepo{ext: s.db, timeout: s.timeout} }

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// FinalizeTx runs fn in a single transaction at the default isolation
// level. The fence token already guarantees one finalizer; the
// transaction guarantees the delete-then-insert of winners and the
// result writes land together.
func (s *Store) FinalizeTx(ctx context.Context, date string, fn func(scope persistence.FinalizeScope) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	scope := &txScope{tx: tx, timeout: s.timeout}
	if err := fn(scope); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

type txScope struct {
	tx      *sqlx.Tx
	timeout time.Duration
}

func (t *txScope) Attempts() persistence.AttemptRepo {
	return &attemptRepo{db: nil, ext: t.tx, timeout: t.timeout, inTx: true}
}
func (t *txScope) Winners() persistence.WinnerRepo {
	return &winnerRepo{ext: t.tx, timeout: t.timeout}
}
func (t *txScope) Payments() persistence.PaymentRepo {
	return &paymentRepo{ext: t.tx, timeout: t.timeout}
}

// EnsureSchema applies the DDL. Idempotent; used by dev mode and tests
// against disposable databases.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
