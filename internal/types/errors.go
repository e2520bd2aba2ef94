package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind buckets an error for propagation policy decisions.
type Kind string

const (
	KindConfig      Kind = "config"
	KindTransient   Kind = "transient"
	KindRejected    Kind = "rejected"
	KindIntegrity   Kind = "integrity"
	KindCycle       Kind = "cycle"
	KindCircuitOpen Kind = "circuit_open"
	KindCancelled   Kind = "cancelled"
	KindFatal       Kind = "fatal"
)

// Sentinel errors shared across the core.
var (
	ErrModelNotFound = errors.New("model not found in schema registry")
	ErrFieldNotFound = errors.New("field not found on model")
	ErrInvalidUUID   = errors.New("invalid point uuid")
)

// TransientError marks a failure worth retrying: network faults, 5xx, 429.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError marks a non-retryable provider rejection (4xx except 429).
// For batched calls it applies to the batch as a whole; callers degrade to
// item-level handling.
type RejectedError struct {
	Op     string
	Status int
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (status %d): %s", e.Op, e.Status, e.Msg)
}

// CircuitOpenError is returned without calling the service when its breaker
// is open. Remaining tells the caller how long until a probe is allowed.
type CircuitOpenError struct {
	Service   string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %dms)", e.Service, e.Remaining.Milliseconds())
}

// Classify maps an error to its taxonomy kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrFieldNotFound):
		return KindConfig
	case errors.Is(err, ErrInvalidUUID):
		return KindIntegrity
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return KindCircuitOpen
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return KindRejected
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return KindTransient
	}
	return KindFatal
}
