// Package quota provides the in-memory Store for genquota.
//
// MemoryStore keeps the record in process memory behind a mutex, which is
// enough for a single-instance deployment and for tests. Multi-instance
// deployments use one of the backend sub-packages (redis, postgres, etcd,
// spanner).
package quota

import (
	"context"
	"sync"

	"github.com/ineyio/genquota"
)

// MemoryStore is an in-memory genquota.Store with push notifications.
type MemoryStore struct {
	mu     sync.Mutex
	record genquota.Record
	exists bool

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

var (
	_ genquota.Store    = (*MemoryStore)(nil)
	_ genquota.Notifier = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[chan struct{}]struct{}),
	}
}

// Apply runs fn under the store lock.
func (s *MemoryStore) Apply(ctx context.Context, fn genquota.ApplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	next, write, err := fn(s.record, s.exists)
	if err != nil || !write {
		s.mu.Unlock()
		return err
	}
	s.record = next
	s.exists = true
	s.mu.Unlock()

	s.notify()
	return nil
}

// Load returns a copy of the record.
func (s *MemoryStore) Load(ctx context.Context) (genquota.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return genquota.Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, s.exists, nil
}

// Set replaces the stored record. It is meant for seeding and tests; normal
// writes go through Apply.
func (s *MemoryStore) Set(rec genquota.Record) {
	s.mu.Lock()
	s.record = rec
	s.exists = true
	s.mu.Unlock()

	s.notify()
}

// Subscribe returns a channel that receives a value after every write.
// Notifications are coalesced: a slow reader sees at least one value after
// the latest write.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subsMu.Unlock()
	}()

	return ch, nil
}

func (s *MemoryStore) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
