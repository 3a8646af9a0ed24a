// Package faults defines the error taxonomy shared by the scheduler and the
// safety layer. Every rejection or failure that crosses a component boundary
// is an *Error carrying a Kind and a non-empty, machine-readable Reason.
//
// Kinds:
//   - Validation: a safety policy rejected the operation (recoverable through
//     confirmation, or final when auto-blocked)
//   - Execution: the task processor failed
//   - ResourceExhaustion: a resource threshold was breached
//   - CircuitOpen: a dependent subsystem is unavailable
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindExecution
	KindResourceExhaustion
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrHalted           = errors.New("system halted by emergency stop")
	ErrCriticalResource = errors.New("critical resource violation active")
	ErrStopped          = errors.New("scheduler stopped")
)

// Error is a classified error with a machine-readable reason.
type Error struct {
	Kind   Kind
	Reason string // e.g. "auto_blocked:remote_code_execution"
	Op     string // operation that failed, optional
	Err    error  // underlying cause, optional
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Reason
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error. An empty reason is replaced by the kind
// name so that no rejection is ever silent.
func New(kind Kind, reason string, err error) *Error {
	if reason == "" {
		reason = kind.String()
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Validation returns a KindValidation error.
func Validation(reason string) *Error {
	return New(KindValidation, reason, nil)
}

// Execution wraps a processor failure.
func Execution(reason string, err error) *Error {
	return New(KindExecution, reason, err)
}

// ResourceExhaustion returns a KindResourceExhaustion error.
func ResourceExhaustion(reason string) *Error {
	return New(KindResourceExhaustion, reason, nil)
}

// CircuitOpen returns a KindCircuitOpen error for the named breaker.
func CircuitOpen(name string, err error) *Error {
	return New(KindCircuitOpen, fmt.Sprintf("circuit_open:%s", name), err)
}

// WithOp returns a copy of e annotated with the failing operation.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// ReasonOf returns the machine-readable reason of err. Unclassified errors
// yield "error" so callers always have a non-empty reason to record.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return "error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
