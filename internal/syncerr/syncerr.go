// Package syncerr defines the error taxonomy every component in the sync
// engine raises, so the workflow runtime (internal/workflow) and
// orchestrator can make one retry/compensate decision regardless of which
// client or store produced the failure. The {Code, Context} shape carries
// a five-way classification across three external systems plus local
// storage.
package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry/compensation purposes.
type Code string

const (
	// Transient errors are expected to clear on their own; retry with backoff.
	Transient Code = "transient"
	// Permanent errors will never succeed no matter how many times retried.
	Permanent Code = "permanent"
	// Conflict indicates the remote state diverged from the expectation the
	// caller based its write on (e.g. optimistic-concurrency mismatch).
	Conflict Code = "conflict"
	// NotFound indicates the referenced remote or local entity does not exist.
	NotFound Code = "not_found"
	// Unavailable indicates the remote system itself is unreachable
	// (connection refused, DNS failure, circuit open).
	Unavailable Code = "unavailable"
)

// Context carries the structured attributes every SyncError attaches for
// logging and for SyncRun.Errors bookkeeping.
type Context struct {
	Component  string
	Operation  string
	Project    string
	Identifier string
	Attempt    int
}

// Error is the engine's sum-type error: one of the five Codes plus
// structured Context and the underlying cause.
type Error struct {
	Code    Code
	Context Context
	Cause   error
}

func (e *Error) Error() string {
	ctx := e.Context
	base := fmt.Sprintf("%s.%s", ctx.Component, ctx.Operation)
	if ctx.Project != "" {
		base += " project=" + ctx.Project
	}
	if ctx.Identifier != "" {
		base += " id=" + ctx.Identifier
	}
	if ctx.Attempt > 0 {
		base += fmt.Sprintf(" attempt=%d", ctx.Attempt)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: [%s] %v", base, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: [%s]", base, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified Error.
func New(code Code, ctx Context, cause error) *Error {
	return &Error{Code: code, Context: ctx, Cause: cause}
}

// Retryable reports whether the engine's workflow runtime should schedule
// another attempt: Transient and Unavailable are retryable, the others are
// not.
func (e *Error) Retryable() bool {
	switch e.Code {
	case Transient, Unavailable:
		return true
	default:
		return false
	}
}

// As extracts a *Error from err, following the standard errors.As contract.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether err is (or wraps) a retryable *Error.
// A non-syncerr error is treated as retryable by default, matching the
// conservative default the workflow runtime's durable retry loop expects for
// errors a client failed to classify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := As(err); ok {
		return se.Retryable()
	}
	return true
}

// IsConflict reports whether err is (or wraps) a Conflict *Error.
func IsConflict(err error) bool {
	se, ok := As(err)
	return ok && se.Code == Conflict
}

// IsNotFound reports whether err is (or wraps) a NotFound *Error.
func IsNotFound(err error) bool {
	se, ok := As(err)
	return ok && se.Code == NotFound
}
