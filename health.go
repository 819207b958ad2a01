package genquota

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultFailureWindow    = 5 * time.Minute
	defaultCooldown         = 30 * time.Second
)

// HealthState describes whether a generator should receive traffic.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a per-generator circuit breaker. The gate consults it
// before consuming quota so that users do not spend credits on a generator
// that is known to be failing.
type HealthTracker struct {
	mu         sync.Mutex
	generators map[string]*generatorHealth
	threshold  int
	window     time.Duration
	cooldown   time.Duration
	now        func() time.Time
}

type generatorHealth struct {
	state    HealthState
	failures []time.Time
	openedAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets how many failures within the window open the breaker.
func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) { h.threshold = n }
}

// WithCooldown sets how long an open breaker waits before letting a probe through.
func WithCooldown(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.cooldown = d }
}

// NewHealthTracker creates a HealthTracker. By default it opens after 3
// failures within 5 minutes and lets a probe through after 30 seconds.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		generators: make(map[string]*generatorHealth),
		threshold:  defaultFailureThreshold,
		window:     defaultFailureWindow,
		cooldown:   defaultCooldown,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health returns the current state for a generator.
func (h *HealthTracker) Health(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh, ok := h.generators[name]
	if !ok {
		return HealthHealthy
	}
	if gh.state == HealthUnhealthy && h.now().Sub(gh.openedAt) >= h.cooldown {
		gh.state = HealthHalfOpen
	}
	return gh.state
}

// RecordSuccess closes the breaker for a generator.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	gh.state = HealthHealthy
	gh.failures = gh.failures[:0]
}

// RecordFailure records a failed call. A failure in half-open state reopens
// the breaker immediately.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	now := h.now()

	switch gh.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		gh.state = HealthUnhealthy
		gh.openedAt = now
		return
	}

	cutoff := now.Add(-h.window)
	valid := gh.failures[:0]
	for _, t := range gh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	gh.failures = append(valid, now)

	if len(gh.failures) >= h.threshold {
		gh.state = HealthUnhealthy
		gh.openedAt = now
	}
}

func (h *HealthTracker) getOrCreate(name string) *generatorHealth {
	gh, ok := h.generators[name]
	if !ok {
		gh = &generatorHealth{state: HealthHealthy}
		h.generators[name] = gh
	}
	return gh
}
