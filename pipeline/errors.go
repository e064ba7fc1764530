package pipeline

import (
	"errors"
	"fmt"
)

// FatalError wraps a failure that desynchronizes the run ledger — a
// progress-persistence flush failure. Continuing the run after one of
// these would silently break the invariants in spec.md §8, so the
// pipeline tears down and returns it from Complete.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: fatal persistence error at %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// CancelledError wraps a cancellation observed while draining the
// pipeline. It is returned from Complete instead of the underlying
// context error so callers can type-switch on it uniformly.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("pipeline: cancelled: %v", e.Err) }
func (e *CancelledError) Unwrap() error { return e.Err }

// InvariantViolation marks a programmer error: a condition the engine's
// own contract says cannot happen (a stage receiving a payload of the
// wrong type, an unsignalled artifact completion token after
// finalization). A stage-chain violation is returned through the
// ordinary error path and surfaces from Complete unwrapped; the
// artifact batcher's finalize check instead panics at the point of
// detection (it runs synchronously inside Complete, after the stage
// chain has already drained) and is recovered once at the top of
// Complete, matching the teacher's panic-to-error worker loop idiom.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "pipeline: invariant violation: " + e.Msg }

var (
	// ErrEmptyStages is returned when Complete is called with no stages
	// defined on the builder.
	ErrEmptyStages = errors.New("pipeline: no stages defined")
	// ErrNilContext is returned when a nil *Context is passed to New.
	ErrNilContext = errors.New("pipeline: nil context")
	// ErrNilSource is returned when a nil Source is passed to New.
	ErrNilSource = errors.New("pipeline: nil source")
)

func asInvariantViolation(msg string) { panic(&InvariantViolation{Msg: msg}) }
