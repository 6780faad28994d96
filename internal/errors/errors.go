// Package errors provides the error taxonomy shared by every Pacer component.
//
// Errors are classified by kind rather than by type name so that callers can
// apply uniform backoff without inspecting component internals:
//
//   - capacity: no slot available; not immediately retryable
//   - queue_timeout: a submission waited too long for a slot; retryable
//   - validation: caller input is malformed; not retryable
//   - timeout: an operation exceeded its deadline; retryable
//   - canceled: the caller or the scheduler canceled deliberately; not retryable
//   - rate_limit: a provider returned 429; retryable after backoff
//   - storage: lock or file I/O failure; retryable for reads only
//
// # Usage
//
//	err := errors.New(errors.KindStorage, "registry.read", "read lease", cause)
//	if errors.IsRetryable(err) { ... }
//	if errors.KindOf(err) == errors.KindRateLimit { ... }
//
// Tasks report provider throttling by returning a [RateLimitError]; the
// scheduler routes it into the adaptive rate layers.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Kind classifies an error for retry decisions.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindCapacity     Kind = "capacity"
	KindQueueTimeout Kind = "queue_timeout"
	KindValidation   Kind = "validation"
	KindTimeout      Kind = "timeout"
	KindCanceled     Kind = "canceled"
	KindRateLimit    Kind = "rate_limit"
	KindStorage      Kind = "storage"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// defaultRetryable reports the boundary marking for each kind.
// Storage errors are retryable by default; write paths override it.
func (k Kind) defaultRetryable() bool {
	switch k {
	case KindQueueTimeout, KindTimeout, KindRateLimit, KindStorage:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrCapacityExhausted indicates no slot is available.
	ErrCapacityExhausted = errors.New("capacity exhausted")
	// ErrQueueTimeout indicates a task waited in the queue past its limit.
	ErrQueueTimeout = errors.New("queue wait timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = errors.New("operation canceled")
	// ErrPreempted indicates a running task was preempted by higher priority work.
	ErrPreempted = errors.New("task preempted")
	// ErrRateLimited indicates the provider rejected the request with a 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrLockContended indicates a distributed lock is held by another holder.
	ErrLockContended = errors.New("lock contended")
	// ErrSchedulerStopped indicates the scheduler is not accepting work.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrNotFound indicates a persisted record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt indicates a persisted record exists but cannot be decoded.
	ErrCorrupt = errors.New("record corrupt")
)

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// Error is the concrete error type carrying a kind, the failing operation,
// and the retryable marking applied at the component boundary.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	retryable bool
}

// New creates an Error with the kind's default retryable marking.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Cause:     cause,
		retryable: kind.defaultRetryable(),
	}
}

// WithRetryable overrides the retryable marking.
func (e *Error) WithRetryable(r bool) *Error {
	e.retryable = r
	return e
}

// IsRetryable returns whether the error is retryable.
func (e *Error) IsRetryable() bool {
	return e.retryable
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	prefix := string(e.Kind) + " error"
	if e.Op != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, or defers to the cause.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return false
}

// Storage creates a storage error. Reads are retryable, writes are not:
// a failed write needs caller awareness because the state may be partial.
func Storage(op string, write bool, cause error) *Error {
	return New(KindStorage, op, "storage operation failed", cause).WithRetryable(!write)
}

// Validation creates a validation error for the named field.
func Validation(op, field, message string) *Error {
	return New(KindValidation, op, fmt.Sprintf("%s: %s", field, message), ErrInvalidInput)
}

// -----------------------------------------------------------------------------
// RateLimitError
// -----------------------------------------------------------------------------

// RateLimitError reports a provider 429. RetryAfter is the provider-declared
// backoff and is zero when the provider did not send one.
//
// Example:
//
//	return nil, &errors.RateLimitError{Provider: "anthropic", RetryAfter: 20 * time.Second}
type RateLimitError struct {
	Provider   string
	Model      string
	RetryAfter time.Duration
	Message    string
}

// Error returns the formatted error message.
func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Provider != "" {
		msg = fmt.Sprintf("%s by %s", msg, e.Provider)
		if e.Model != "" {
			msg = fmt.Sprintf("%s/%s", msg, e.Model)
		}
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Is reports ErrRateLimited as a match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRetryable is always true; callers should honor RetryAfter.
func (e *RateLimitError) IsRetryable() bool {
	return true
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

type retryable interface {
	IsRetryable() bool
}

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if As(err, &r) {
		return r.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrQueueTimeout) || Is(err, ErrRateLimited)
}

// KindOf returns the kind of err, inferring it from well-known sentinels when
// err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if As(err, &e) {
		return e.Kind
	}

	switch {
	case Is(err, ErrRateLimited):
		return KindRateLimit
	case Is(err, ErrQueueTimeout):
		return KindQueueTimeout
	case Is(err, ErrTimeout):
		return KindTimeout
	case Is(err, ErrCanceled), Is(err, ErrPreempted):
		return KindCanceled
	case Is(err, ErrCapacityExhausted):
		return KindCapacity
	case Is(err, ErrInvalidInput):
		return KindValidation
	case Is(err, ErrLockContended), Is(err, ErrNotFound), Is(err, ErrCorrupt):
		return KindStorage
	}
	return KindUnknown
}

// RetryAfter extracts the provider-declared backoff from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
