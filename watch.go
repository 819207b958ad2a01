package genquota

import (
	"context"
	"errors"
	"time"
)

var errSubscriptionClosed = errors.New("change subscription closed")

// Watch streams the quota view. The current state is sent first, then a new
// Snapshot after every change of the stored record and when the displayed
// period ends. Stores implementing Notifier push changes; other stores are
// polled every PollInterval. Identical consecutive snapshots are dropped, so
// both look the same to the receiver.
//
// The channel is closed when ctx is done.
func (c *Counter) Watch(ctx context.Context) (<-chan Snapshot, error) {
	changes, err := c.subscribe(ctx)
	if err != nil {
		return nil, &StoreError{Op: "watch", Err: err}
	}

	out := make(chan Snapshot, 1)
	go c.watch(ctx, changes, out)
	return out, nil
}

func (c *Counter) subscribe(ctx context.Context) (<-chan struct{}, error) {
	if n, ok := c.store.(Notifier); ok {
		return n.Subscribe(ctx)
	}
	return c.poll(ctx), nil
}

func (c *Counter) poll(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (c *Counter) watch(ctx context.Context, changes <-chan struct{}, out chan<- Snapshot) {
	defer close(out)

	periodEnd := time.NewTimer(c.pollInterval)
	periodEnd.Stop()
	defer periodEnd.Stop()

	var (
		last Snapshot
		sent bool
	)

	send := func(snap Snapshot) bool {
		if sent && sameSnapshot(last, snap) {
			return true
		}
		select {
		case out <- snap:
		case <-ctx.Done():
			return false
		}
		last, sent = snap, true
		return true
	}

	refresh := func() bool {
		st, err := c.ReadState(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil {
			wait := st.ResetsAt.Sub(c.now())
			if wait <= 0 {
				wait = c.pollInterval
			}
			periodEnd.Reset(wait)
		}
		return send(Snapshot{State: st, Err: err})
	}

	if !refresh() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if !send(Snapshot{Err: &StoreError{Op: "watch", Err: errSubscriptionClosed}}) {
					return
				}
				changes = c.poll(ctx)
				continue
			}
			if !refresh() {
				return
			}
		case <-periodEnd.C:
			if !refresh() {
				return
			}
		}
	}
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Err != nil || b.Err != nil {
		return a.Err != nil && b.Err != nil && a.Err.Error() == b.Err.Error()
	}
	return a.State.Remaining == b.State.Remaining &&
		a.State.Estimated == b.State.Estimated &&
		a.State.ResetsAt.Equal(b.State.ResetsAt)
}
