package genquota

import "time"

// State is the quota view shown to readers.
type State struct {
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
	// Estimated is set when the stored record is absent or expired. The
	// values are what the next TryConsume will reset to, not what is stored.
	Estimated bool `json:"estimated"`
}

// Grant describes one successfully consumed unit.
type Grant struct {
	ID        string    `json:"id"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
	Reset     bool      `json:"reset"`
}

// Snapshot is one element of a Watch stream. Exactly one of State or Err
// is meaningful.
type Snapshot struct {
	State State
	Err   error
}
