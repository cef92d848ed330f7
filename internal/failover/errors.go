package failover

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies engine failures. Callers see it in structured error payloads.
type Kind string

const (
	KindCapabilityNotFound Kind = "CapabilityNotFound"
	KindServiceNotFound    Kind = "ServiceNotFound"
	KindNoActiveEdge       Kind = "NoActiveEdge"
	KindWorkflowNotFound   Kind = "WorkflowNotFound"
	KindRateLimitExceeded  Kind = "RateLimitExceeded"
	KindCircuitOpen        Kind = "CircuitOpen"
	KindValidation         Kind = "ValidationError"
	KindTransient          Kind = "TransientError"
	KindInternal           Kind = "InternalError"
)

// Error is the single error type surfaced by the engine.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for RateLimitExceeded and CircuitOpen
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsRateLimitError(err error) bool {
	return KindOf(err) == KindRateLimitExceeded
}

func IsCircuitOpen(err error) bool {
	return KindOf(err) == KindCircuitOpen
}

func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindCapabilityNotFound, KindServiceNotFound, KindNoActiveEdge, KindWorkflowNotFound:
		return true
	}
	return false
}

// IsRetryable reports whether trying the next candidate may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimitExceeded, KindCircuitOpen:
		return true
	}
	return false
}

// RetryAfter returns the retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

type AllExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *AllExhaustedError) Error() string {
	return fmt.Sprintf("all capabilities exhausted, attempted: %v: %v", e.Attempted, e.Last)
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }
