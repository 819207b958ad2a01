// Package redis provides a Redis-backed Store for genquota.
//
// The record is a Redis hash updated with WATCH/MULTI/EXEC, so concurrent
// TryConsume calls from any number of instances serialize on the key. Every
// committed write publishes on a channel that Subscribe listens to.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/genquota"
)

const (
	fieldCount    = "count"
	fieldResetsAt = "resets_at"
)

// Store is a Redis-backed genquota.Store.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	key        string
	maxRetries uint64
}

var (
	_ genquota.Store    = (*Store)(nil)
	_ genquota.Notifier = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "genquota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries sets how many times a transaction is retried when the key
// changed between WATCH and EXEC (default 50).
func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new Redis-backed Store for the record named key.
// The client must be a connected *goredis.Client, *goredis.ClusterClient or
// any other UniversalClient.
func New(client goredis.UniversalClient, key string, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "genquota:",
		key:        key,
		maxRetries: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey() string { return s.keyPrefix + s.key }
func (s *Store) channel() string   { return s.keyPrefix + s.key + ":changed" }

// Apply runs fn inside an optimistic WATCH transaction, retrying with jittered
// backoff while other writers win the race.
func (s *Store) Apply(ctx context.Context, fn genquota.ApplyFunc) error {
	key := s.recordKey()

	var fnErr error
	txf := func(tx *goredis.Tx) error {
		fnErr = nil

		vals, err := tx.HMGet(ctx, key, fieldCount, fieldResetsAt).Result()
		if err != nil {
			return err
		}
		cur, exists := decode(vals)

		next, write, err := fn(cur, exists)
		if err != nil {
			fnErr = err
			return err
		}
		if !write {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldCount, next.Count,
				fieldResetsAt, next.ResetsAt.UnixMilli(),
			)
			pipe.Publish(ctx, s.channel(), "changed")
			return nil
		})
		return err
	}

	op := func() error {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return backoff.Permanent(fnErr)
		case errors.Is(err, goredis.TxFailedErr):
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
	return fmt.Errorf("genquota/redis: apply: %w", err)
}

// Load reads the record without a transaction.
func (s *Store) Load(ctx context.Context) (genquota.Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(), fieldCount, fieldResetsAt).Result()
	if err != nil {
		return genquota.Record{}, false, fmt.Errorf("genquota/redis: load: %w", err)
	}
	rec, exists := decode(vals)
	return rec, exists, nil
}

// Subscribe listens on the change channel. The returned channel is closed
// when ctx is done or the subscription drops.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ps := s.client.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("genquota/redis: subscribe: %w", err)
	}

	msgs := ps.Channel()
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Reset deletes the record.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.recordKey()).Err(); err != nil {
		return fmt.Errorf("genquota/redis: reset: %w", err)
	}
	return nil
}

// decode converts HMGET values into a record. Missing or unparsable fields
// leave ResetsAt zero, which the counter treats as an expired period.
func decode(vals []interface{}) (genquota.Record, bool) {
	if len(vals) != 2 || (vals[0] == nil && vals[1] == nil) {
		return genquota.Record{}, false
	}

	countStr, ok1 := vals[0].(string)
	resetsStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return genquota.Record{}, true
	}
	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return genquota.Record{}, true
	}
	resetsAt, err := strconv.ParseInt(resetsStr, 10, 64)
	if err != nil {
		return genquota.Record{}, true
	}

	return genquota.Record{Count: count, ResetsAt: time.UnixMilli(resetsAt)}, true
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}
