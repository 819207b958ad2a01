// Package spanner provides a Cloud Spanner-backed Store for genquota.
//
// Apply runs in a read-write transaction; Spanner aborts and the client
// retries it when another transaction holds a conflicting lock. Spanner has
// no change stream cheap enough for a single row, so Store does not
// implement genquota.Notifier and Counter.Watch polls it.
//
// Expected schema:
//
//	CREATE TABLE GenerationCounters (
//		Name     STRING(MAX) NOT NULL,
//		Count    INT64,
//		ResetsAt TIMESTAMP,
//	) PRIMARY KEY (Name)
package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"

	"github.com/ineyio/genquota"
)

var columns = []string{"Name", "Count", "ResetsAt"}

// Store is a Spanner-backed genquota.Store.
type Store struct {
	client *spanner.Client
	table  string
	key    string
}

var _ genquota.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "GenerationCounters").
func WithTable(table string) Option {
	return func(s *Store) { s.table = table }
}

// New creates a new Spanner-backed Store for the record named key.
func New(client *spanner.Client, key string, opts ...Option) *Store {
	s := &Store{
		client: client,
		table:  "GenerationCounters",
		key:    key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply runs fn in a read-write transaction.
func (s *Store) Apply(ctx context.Context, fn genquota.ApplyFunc) error {
	var fnErr error
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fnErr = nil

		row, err := txn.ReadRow(ctx, s.table, spanner.Key{s.key}, columns[1:])
		cur, exists, err := s.decode(row, err)
		if err != nil {
			return err
		}

		next, write, err := fn(cur, exists)
		if err != nil {
			fnErr = err
			return err
		}
		if !write {
			return nil
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate(s.table, columns, []interface{}{s.key, next.Count, next.ResetsAt}),
		})
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	return fmt.Errorf("genquota/spanner: apply: %w", err)
}

// Load reads the record with a strong single-use read.
func (s *Store) Load(ctx context.Context) (genquota.Record, bool, error) {
	row, err := s.client.Single().ReadRow(ctx, s.table, spanner.Key{s.key}, columns[1:])
	rec, exists, err := s.decode(row, err)
	if err != nil {
		return genquota.Record{}, false, fmt.Errorf("genquota/spanner: load: %w", err)
	}
	return rec, exists, nil
}

// Reset deletes the record.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{spanner.Delete(s.table, spanner.Key{s.key})})
	if err != nil {
		return fmt.Errorf("genquota/spanner: reset: %w", err)
	}
	return nil
}

// decode turns a ReadRow result into a record. NotFound is an absent record;
// NULL columns make a malformed record with a zero ResetsAt.
func (s *Store) decode(row *spanner.Row, err error) (genquota.Record, bool, error) {
	if spanner.ErrCode(err) == codes.NotFound {
		return genquota.Record{}, false, nil
	}
	if err != nil {
		return genquota.Record{}, false, err
	}

	var (
		count    spanner.NullInt64
		resetsAt spanner.NullTime
	)
	if err := row.Columns(&count, &resetsAt); err != nil {
		return genquota.Record{}, true, nil
	}
	if !count.Valid || !resetsAt.Valid {
		return genquota.Record{}, true, nil
	}
	return genquota.Record{Count: count.Int64, ResetsAt: resetsAt.Time}, true, nil
}
