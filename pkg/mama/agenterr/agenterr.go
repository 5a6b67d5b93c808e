// Package agenterr defines the typed errors shared across MAMA's scheduler,
// backends, and tool executor. Every failure that crosses a subsystem
// boundary carries a Kind so callers can branch on the class of failure
// without string matching.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed: new kinds are added here, not
// invented at call sites.
type Kind string

const (
	// InvalidCron marks a cron expression that failed to parse.
	InvalidCron Kind = "INVALID_CRON"

	// JobNotFound marks operations on a schedule ID that does not exist.
	JobNotFound Kind = "JOB_NOT_FOUND"

	// JobExists marks an attempt to register a duplicate schedule ID.
	JobExists Kind = "JOB_EXISTS"

	// JobRunning marks an execution skipped because the job lock is held.
	JobRunning Kind = "JOB_RUNNING"

	// SchedulerError marks internal scheduler failures (storage, timer state).
	SchedulerError Kind = "SCHEDULER_ERROR"

	// UnknownTool marks a dispatch to a tool name outside the catalog.
	UnknownTool Kind = "UNKNOWN_TOOL"

	// PermissionDenied marks a tool call rejected by role or path gating.
	PermissionDenied Kind = "PERMISSION_DENIED"

	// RateLimit marks an upstream 429. Retryable.
	RateLimit Kind = "RATE_LIMIT"

	// APIError marks upstream API failures. Retryable only for 5xx.
	APIError Kind = "API_ERROR"

	// Transport marks subprocess or network plumbing failures
	// (broken pipe, process exit, connection reset).
	Transport Kind = "TRANSPORT"

	// Validation marks malformed input caught before any work happened.
	Validation Kind = "VALIDATION"
)

// Error is the concrete error type behind every Kind.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable(kind), Err: err}
}

// defaultRetryable returns the retry policy baked into each kind.
// APIError defaults to false; use FromStatus for status-aware classification.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case RateLimit, Transport:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from an error chain. Returns "" when the chain
// contains no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error chain contains a retryable *Error.
// Unknown errors are not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// FromStatus classifies an upstream HTTP-ish status code into an error.
// 429 becomes RateLimit; 5xx becomes a retryable APIError; everything else
// becomes a non-retryable APIError.
func FromStatus(status int, message string) *Error {
	switch {
	case status == 429:
		return &Error{Kind: RateLimit, Message: message, Retryable: true}
	case status >= 500:
		return &Error{Kind: APIError, Message: message, Retryable: true}
	default:
		return &Error{Kind: APIError, Message: message, Retryable: false}
	}
}
