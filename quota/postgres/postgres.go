// Package postgres provides a PostgreSQL-backed Store for genquota.
//
// The record is a row locked with SELECT ... FOR UPDATE for the duration of
// each transaction, which serializes concurrent consumers across instances.
// Writes fire pg_notify on commit; Subscribe listens with LISTEN.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/genquota"
)

// Store is a PostgreSQL-backed genquota.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	key         string
	maxRetries  uint64
}

var (
	_ genquota.Store    = (*Store)(nil)
	_ genquota.Notifier = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table and channel name prefix (default "genquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithMaxRetries sets how many times a transaction aborted by a
// serialization failure or deadlock is retried (default 10).
func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new PostgreSQL-backed Store for the record named key.
func New(pool *pgxpool.Pool, key string, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "genquota_",
		key:         key,
		maxRetries:  10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) countersTable() string { return s.tablePrefix + "counters" }
func (s *Store) channel() string       { return s.tablePrefix + "changed" }

// EnsureSchema creates the required table if it doesn't exist.
// Columns are nullable so a half-written row decodes as a malformed record
// instead of failing the transaction.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			count BIGINT,
			resets_at TIMESTAMPTZ
		);
	`, s.countersTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("genquota/postgres: ensure schema: %w", err)
	}
	return nil
}

// Apply runs fn while holding the row lock.
func (s *Store) Apply(ctx context.Context, fn genquota.ApplyFunc) error {
	var fnErr error

	op := func() error {
		fnErr = nil
		err := s.apply(ctx, fn, &fnErr)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return backoff.Permanent(fnErr)
		case isRetryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx))
	if err == nil {
		return nil
	}
	if fnErr != nil && err == fnErr {
		return fnErr
	}
	return fmt.Errorf("genquota/postgres: apply: %w", err)
}

func (s *Store) apply(ctx context.Context, fn genquota.ApplyFunc, fnErr *error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Make sure there is a row to lock. A placeholder row with NULL
	// columns counts as absent.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, s.countersTable()),
		s.key,
	)
	if err != nil {
		return fmt.Errorf("insert placeholder: %w", err)
	}

	// 2. Lock and read.
	var (
		count    *int64
		resetsAt *time.Time
	)
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT count, resets_at FROM %s WHERE name = $1 FOR UPDATE`, s.countersTable()),
		s.key,
	).Scan(&count, &resetsAt)
	if err != nil {
		return fmt.Errorf("lock row: %w", err)
	}
	cur, exists := decode(count, resetsAt)

	// 3. Decide.
	next, write, err := fn(cur, exists)
	if err != nil {
		*fnErr = err
		return err
	}
	if !write {
		return tx.Commit(ctx)
	}

	// 4. Write and notify; the notification is delivered on commit.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET count = $1, resets_at = $2 WHERE name = $3`, s.countersTable()),
		next.Count, next.ResetsAt, s.key,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel(), s.key); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the record without locking.
func (s *Store) Load(ctx context.Context) (genquota.Record, bool, error) {
	var (
		count    *int64
		resetsAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count, resets_at FROM %s WHERE name = $1`, s.countersTable()),
		s.key,
	).Scan(&count, &resetsAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return genquota.Record{}, false, nil
	}
	if err != nil {
		return genquota.Record{}, false, fmt.Errorf("genquota/postgres: load: %w", err)
	}

	rec, exists := decode(count, resetsAt)
	return rec, exists, nil
}

// Subscribe holds a pool connection in LISTEN mode until ctx is done.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("genquota/postgres: subscribe: acquire: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel()}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("genquota/postgres: subscribe: listen: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			if n.Payload != s.key {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, nil
}

// Reset deletes the record.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.countersTable()),
		s.key,
	)
	if err != nil {
		return fmt.Errorf("genquota/postgres: reset: %w", err)
	}
	return nil
}

// decode maps nullable columns to a record. Both NULL is the placeholder
// row (absent); one NULL is a malformed record with a zero ResetsAt.
func decode(count *int64, resetsAt *time.Time) (genquota.Record, bool) {
	switch {
	case count == nil && resetsAt == nil:
		return genquota.Record{}, false
	case count == nil || resetsAt == nil:
		return genquota.Record{}, true
	default:
		return genquota.Record{Count: *count, ResetsAt: *resetsAt}, true
	}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return b
}
