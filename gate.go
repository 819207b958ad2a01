package genquota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GenerationError wraps a generator failure that happened after a unit was
// consumed. The unit is not returned.
type GenerationError struct {
	Err       error
	Generator string
	GrantID   string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("genquota: generator=%s grant=%s: %v", e.Generator, e.GrantID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// GenerationResult is returned by Gate.Generate on success.
type GenerationResult struct {
	Image     GeneratedImage
	Grant     Grant
	Generator string
	Duration  time.Duration
}

// Gate puts the quota in front of a paid generator: a request is validated,
// then one unit is consumed, then the generator runs.
type Gate struct {
	counter   *Counter
	generator Generator
	health    *HealthTracker
	meter     Meter
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithHealthTracker sets the generator circuit breaker.
func WithHealthTracker(h *HealthTracker) GateOption {
	return func(g *Gate) { g.health = h }
}

// WithGateMeter sets the meter used for generation events.
func WithGateMeter(m Meter) GateOption {
	return func(g *Gate) { g.meter = m }
}

// NewGate creates a Gate.
func NewGate(counter *Counter, generator Generator, opts ...GateOption) (*Gate, error) {
	if counter == nil {
		return nil, fmt.Errorf("genquota: counter is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("genquota: generator is required")
	}

	g := &Gate{
		counter:   counter,
		generator: generator,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.health == nil {
		g.health = NewHealthTracker()
	}
	if g.meter == nil {
		g.meter = counter.meter
	}

	return g, nil
}

// Generate runs one generation attempt. Invalid requests and an open circuit
// breaker are rejected before any quota is consumed; quota failures are
// returned unchanged and the generator is not called.
func (g *Gate) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return GenerationResult{}, err
	}

	name := g.generator.Name()
	if g.health.Health(name) == HealthUnhealthy {
		return GenerationResult{}, fmt.Errorf("%w: %s", ErrGeneratorUnavailable, name)
	}

	grant, err := g.counter.TryConsume(ctx)
	if err != nil {
		return GenerationResult{}, err
	}

	start := time.Now()
	img, err := g.generator.Generate(ctx, req)
	duration := time.Since(start)

	if err != nil {
		// A caller that gave up says nothing about the generator.
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			g.health.RecordFailure(name)
		}
		g.meter.OnGenerate(GenerateEvent{
			Generator: name,
			GrantID:   grant.ID,
			Success:   false,
			Duration:  duration,
			Error:     err,
		})
		return GenerationResult{}, &GenerationError{
			Err:       err,
			Generator: name,
			GrantID:   grant.ID,
		}
	}

	g.health.RecordSuccess(name)
	g.meter.OnGenerate(GenerateEvent{
		Generator: name,
		GrantID:   grant.ID,
		Success:   true,
		Duration:  duration,
	})

	return GenerationResult{
		Image:     img,
		Grant:     grant,
		Generator: name,
		Duration:  duration,
	}, nil
}
