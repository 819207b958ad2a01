package genquota

import (
	"context"
	"time"
)

// Record is the single persisted quota record shared by every caller.
// A zero ResetsAt means the stored record is missing fields; it is always
// treated as an expired period.
type Record struct {
	Count    int64
	ResetsAt time.Time
}

// Expired reports whether the period ended at or before now.
func (r Record) Expired(now time.Time) bool {
	return r.ResetsAt.IsZero() || !r.ResetsAt.After(now)
}

// ApplyFunc computes the next record from the current one.
// exists is false when nothing is stored yet. When write is false the
// transaction commits without changes. A non-nil error aborts it.
//
// Stores may call an ApplyFunc more than once while retrying, so it must not
// have side effects beyond its return values and captured locals.
type ApplyFunc func(cur Record, exists bool) (next Record, write bool, err error)

// Store persists the quota record.
type Store interface {
	// Apply reads the record, calls fn and persists its result in one
	// atomic transaction. Errors returned by fn are propagated unchanged
	// (possibly wrapped) and nothing is written.
	Apply(ctx context.Context, fn ApplyFunc) error

	// Load returns the stored record without modifying it.
	Load(ctx context.Context) (Record, bool, error)
}

// Notifier is implemented by stores that can push change notifications.
// The returned channel receives a value after each committed write and is
// closed when ctx is done or the subscription breaks.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}
