// Package etcd provides an etcd-backed Store for genquota.
//
// Apply runs as a serializable software transaction (concurrency.STM), which
// etcd retries when another writer commits first. Subscribe uses a native
// etcd watch on the record key.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/ineyio/genquota"
)

// Store is an etcd-backed genquota.Store.
type Store struct {
	client    *clientv3.Client
	keyPrefix string
	key       string
}

var (
	_ genquota.Store    = (*Store)(nil)
	_ genquota.Notifier = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the etcd key prefix (default "genquota/").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new etcd-backed Store for the record named key.
func New(client *clientv3.Client, key string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "genquota/",
		key:       key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey() string { return s.keyPrefix + s.key }

// storedRecord is the JSON value kept under the record key. Pointer fields
// let decode tell a missing field from a zero value.
type storedRecord struct {
	Count    *int64     `json:"count"`
	ResetsAt *time.Time `json:"resets_at"`
}

// Apply runs fn in a serializable STM.
func (s *Store) Apply(ctx context.Context, fn genquota.ApplyFunc) error {
	key := s.recordKey()

	var fnErr error
	_, err := concurrency.NewSTM(s.client, func(stm concurrency.STM) error {
		fnErr = nil

		cur, exists := decode(stm.Get(key))
		next, write, err := fn(cur, exists)
		if err != nil {
			fnErr = err
			return err
		}
		if !write {
			return nil
		}

		val, err := encode(next)
		if err != nil {
			return err
		}
		stm.Put(key, val)
		return nil
	},
		concurrency.WithAbortContext(ctx),
		concurrency.WithIsolation(concurrency.Serializable),
	)
	if err == nil {
		return nil
	}
	if fnErr != nil && err == fnErr {
		return fnErr
	}
	return fmt.Errorf("genquota/etcd: apply: %w", err)
}

// Load reads the record at the current revision.
func (s *Store) Load(ctx context.Context) (genquota.Record, bool, error) {
	resp, err := s.client.Get(ctx, s.recordKey())
	if err != nil {
		return genquota.Record{}, false, fmt.Errorf("genquota/etcd: load: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return genquota.Record{}, false, nil
	}
	rec, exists := decode(string(resp.Kvs[0].Value))
	return rec, exists, nil
}

// Subscribe watches the record key. The returned channel is closed when ctx
// is done, the watch fails, or the member loses its leader.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), s.recordKey())

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				return
			}
			if len(resp.Events) == 0 {
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
	if _, err := s.client.Delete(ctx, s.recordKey()); err != nil {
		return fmt.Errorf("genquota/etcd: reset: %w", err)
	}
	return nil
}

func encode(rec genquota.Record) (string, error) {
	b, err := json.Marshal(storedRecord{Count: &rec.Count, ResetsAt: &rec.ResetsAt})
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

// decode parses a stored value. An empty value is an absent record; a value
// that does not parse or lacks a field is a malformed record with a zero
// ResetsAt.
func decode(val string) (genquota.Record, bool) {
	if val == "" {
		return genquota.Record{}, false
	}
	var sr storedRecord
	if err := json.Unmarshal([]byte(val), &sr); err != nil {
		return genquota.Record{}, true
	}
	if sr.Count == nil || sr.ResetsAt == nil {
		return genquota.Record{}, true
	}
	return genquota.Record{Count: *sr.Count, ResetsAt: *sr.ResetsAt}, true
}
