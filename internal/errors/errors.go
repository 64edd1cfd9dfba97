// Package errors provides structured error handling for webfuse.
//
// Every error that crosses a package boundary carries a Kind so callers can
// map failures to HTTP status codes and retry decisions without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery decisions.
type Kind string

const (
	// KindInvalidInput indicates a payload or field failed validation.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindAuthFailure indicates a missing or invalid signature or token.
	KindAuthFailure Kind = "AUTH_FAILURE"
	// KindRateLimited indicates the rate limiter tripped.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindTransientRemote indicates a network error or 5xx from a collaborator.
	KindTransientRemote Kind = "TRANSIENT_REMOTE"
	// KindPermanentRemote indicates a non-retryable remote failure
	// (4xx other than 429, schema mismatch, dimension mismatch).
	KindPermanentRemote Kind = "PERMANENT_REMOTE"
	// KindLockTimeout indicates the BM25 file lock was not acquired in time.
	KindLockTimeout Kind = "LOCK_TIMEOUT"
	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindInternal indicates an unexpected bug.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error type for webfuse.
type Error struct {
	// Kind classifies the error for recovery and status mapping.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error from an existing error.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// InvalidInput creates a validation error.
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

// AuthFailure creates an authentication error.
func AuthFailure(message string) *Error {
	return New(KindAuthFailure, message)
}

// TransientRemote creates a retryable remote error.
func TransientRemote(message string, cause error) *Error {
	return &Error{Kind: KindTransientRemote, Message: message, Cause: cause}
}

// PermanentRemote creates a non-retryable remote error.
func PermanentRemote(message string, cause error) *Error {
	return &Error{Kind: KindPermanentRemote, Message: message, Cause: cause}
}

// LockTimeout creates a lock acquisition timeout error.
func LockTimeout(message string) *Error {
	return New(KindLockTimeout, message)
}

// NotFound creates a missing-entity error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for errors that carry no Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the operation that produced err can be retried.
// Only transient remote failures are retryable.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransientRemote)
}
