package genquota

import "time"

// Meter observes quota and generation events for monitoring/logging.
type Meter interface {
	// OnConsume is called after every TryConsume.
	OnConsume(event ConsumeEvent)

	// OnGenerate is called when a generator returns a result.
	OnGenerate(event GenerateEvent)
}

// ConsumeEvent describes the outcome of a TryConsume call.
type ConsumeEvent struct {
	GrantID   string
	Granted   bool
	Reset     bool
	Remaining int64
	ResetsAt  time.Time
	Duration  time.Duration
	Error     error
}

// GenerateEvent describes the outcome of a generator call.
type GenerateEvent struct {
	Generator string
	GrantID   string
	Success   bool
	Duration  time.Duration
	Error     error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnConsume(ConsumeEvent)   {}
func (m *noopMeter) OnGenerate(GenerateEvent) {}
