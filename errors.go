package genquota

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrQuotaExhausted       = errors.New("genquota: quota exhausted")
	ErrUnavailable          = errors.New("genquota: quota store unavailable")
	ErrInvalidRequest       = errors.New("genquota: invalid request")
	ErrGeneratorUnavailable = errors.New("genquota: generator unavailable")
	ErrGenerationFailed     = errors.New("genquota: generation failed")
)

// ExhaustedError is returned by TryConsume when no units are left in the
// current period. It matches ErrQuotaExhausted.
type ExhaustedError struct {
	ResetsAt time.Time
	Wait     time.Duration
}

func (e *ExhaustedError) Error() string {
	return "genquota: " + e.Message()
}

// Message returns the user-facing text for the exhausted quota.
func (e *ExhaustedError) Message() string {
	return RetryMessage(e.Wait)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrQuotaExhausted
}

// StoreError wraps a persistence failure. It matches ErrUnavailable and
// unwraps to the backend error for diagnostics.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("genquota: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsExhausted reports whether err means the quota is used up for this period.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

// IsUnavailable reports whether err is an infrastructure failure.
// Such errors must never be treated as an authorized unit of work.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrGeneratorUnavailable)
}
