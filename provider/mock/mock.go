// Package mock provides a Generator that returns a fixed image, for tests
// and for running the daemon without a paid image API.
package mock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ineyio/genquota"
)

// placeholderImage is a 1x1 transparent PNG.
const placeholderImage = "data:image/png;base64," +
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// ErrFailed is returned once a generator configured with WithFailAfter has
// used up its successful calls.
var ErrFailed = errors.New("mock: generation failed")

// Generator is a mock image generator.
type Generator struct {
	name         string
	model        string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(genquota.GenerationRequest) (genquota.GeneratedImage, error)
}

var _ genquota.Generator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{
		name:  "mock",
		model: "mock-image",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithName sets the generator name.
func WithName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// WithModel sets the model reported in results.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithFailAfter makes the generator fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Generator) { g.failAfter = n }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(genquota.GenerationRequest) (genquota.GeneratedImage, error)) Option {
	return func(g *Generator) { g.responseFunc = fn }
}

func (g *Generator) Name() string { return g.name }

// Calls returns how many times Generate was called.
func (g *Generator) Calls() int64 { return g.callCount.Load() }

func (g *Generator) Generate(ctx context.Context, req genquota.GenerationRequest) (genquota.GeneratedImage, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return genquota.GeneratedImage{}, ctx.Err()
		}
	}

	count := g.callCount.Add(1)

	if g.staticErr != nil {
		return genquota.GeneratedImage{}, g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return genquota.GeneratedImage{}, ErrFailed
	}

	if g.responseFunc != nil {
		return g.responseFunc(req)
	}

	return genquota.GeneratedImage{
		DataURI: placeholderImage,
		Model:   g.model,
	}, nil
}
