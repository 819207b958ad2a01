package genquota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Counter is the daily generation quota shared by every caller of one
// deployment. All mutations go through TryConsume; rollover to a new period
// happens lazily inside it.
type Counter struct {
	store        Store
	limit        int64
	resetHour    int
	loc          *time.Location
	pollInterval time.Duration
	now          func() time.Time
	meter        Meter
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(c *Counter) { c.meter = m }
}

// WithLocation overrides the time zone the reset hour is interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) { c.loc = loc }
}

// WithPollInterval sets how often Watch re-reads stores without a Notifier.
func WithPollInterval(d time.Duration) Option {
	return func(c *Counter) { c.pollInterval = d }
}

// NewCounter creates a Counter over store. Limit, ResetHour, Timezone and
// PollInterval are taken from cfg; the other sections are ignored.
func NewCounter(cfg Config, store Store, opts ...Option) (*Counter, error) {
	if store == nil {
		return nil, fmt.Errorf("genquota: store is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("genquota: limit must be > 0, got %d", cfg.Limit)
	}
	if cfg.ResetHour < 0 || cfg.ResetHour > 23 {
		return nil, fmt.Errorf("genquota: reset hour must be in [0, 23], got %d", cfg.ResetHour)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	c := &Counter{
		store:        store,
		limit:        cfg.Limit,
		resetHour:    cfg.ResetHour,
		loc:          loc,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.meter == nil {
		c.meter = &noopMeter{}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 5 * time.Second
	}

	return c, nil
}

// Limit returns the number of units granted per period.
func (c *Counter) Limit() int64 { return c.limit }

// TryConsume atomically takes one unit from the current period, starting a
// new period first when the stored one has ended or nothing is stored.
//
// It returns an *ExhaustedError when no unit is left and a *StoreError when
// the store could not durably apply the decrement. A unit is consumed only
// when the returned error is nil.
func (c *Counter) TryConsume(ctx context.Context) (Grant, error) {
	start := time.Now()

	var grant Grant
	err := c.store.Apply(ctx, func(cur Record, exists bool) (Record, bool, error) {
		now := c.now()

		if !exists || cur.Expired(now) {
			next := Record{
				Count:    c.limit - 1,
				ResetsAt: NextReset(now, c.resetHour, c.loc),
			}
			grant = Grant{Remaining: next.Count, ResetsAt: next.ResetsAt, Reset: true}
			return next, true, nil
		}

		count := c.clamp(cur.Count)
		if count <= 0 {
			return cur, false, &ExhaustedError{
				ResetsAt: cur.ResetsAt,
				Wait:     cur.ResetsAt.Sub(now),
			}
		}

		next := Record{Count: count - 1, ResetsAt: cur.ResetsAt}
		grant = Grant{Remaining: next.Count, ResetsAt: next.ResetsAt}
		return next, true, nil
	})
	duration := time.Since(start)

	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			c.meter.OnConsume(ConsumeEvent{
				ResetsAt: exhausted.ResetsAt,
				Duration: duration,
				Error:    exhausted,
			})
			return Grant{}, exhausted
		}

		storeErr := &StoreError{Op: "consume", Err: err}
		c.meter.OnConsume(ConsumeEvent{Duration: duration, Error: storeErr})
		return Grant{}, storeErr
	}

	grant.ID = uuid.New().String()
	c.meter.OnConsume(ConsumeEvent{
		GrantID:   grant.ID,
		Granted:   true,
		Reset:     grant.Reset,
		Remaining: grant.Remaining,
		ResetsAt:  grant.ResetsAt,
		Duration:  duration,
	})
	return grant, nil
}

// ReadState returns the current quota view without modifying the store.
// For an absent or expired record it returns the full limit and the next
// reset boundary with Estimated set; the actual reset happens in TryConsume.
// A stored count outside [0, limit] is clamped, as TryConsume does.
func (c *Counter) ReadState(ctx context.Context) (State, error) {
	rec, ok, err := c.store.Load(ctx)
	if err != nil {
		return State{}, &StoreError{Op: "read", Err: err}
	}

	now := c.now()
	if !ok || rec.Expired(now) {
		return State{
			Remaining: c.limit,
			ResetsAt:  NextReset(now, c.resetHour, c.loc),
			Estimated: true,
		}, nil
	}

	return State{Remaining: c.clamp(rec.Count), ResetsAt: rec.ResetsAt}, nil
}

// clamp bounds a stored count to [0, limit]. Counts can fall outside the
// range when the limit is lowered between deployments.
func (c *Counter) clamp(n int64) int64 {
	switch {
	case n < 0:
		return 0
	case n > c.limit:
		return c.limit
	default:
		return n
	}
}
