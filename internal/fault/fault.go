// Package fault defines the error taxonomy shared by every write and query
// path. Callers inspect errors with KindOf / Is rather than string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers. The set is closed; new kinds are a
// breaking change for API consumers.
type Kind string

const (
	// Validation marks malformed caller input. Never retried.
	Validation Kind = "validation"
	// Unauthorized marks a tenant scope violation or unknown/inactive tenant.
	Unauthorized Kind = "unauthorized"
	// QuotaExceeded marks an admission or commit-time quota failure.
	QuotaExceeded Kind = "quota_exceeded"
	// NameCollision is surfaced only after path synthesis retries exhaust.
	NameCollision Kind = "name_collision"
	// StoreUnavailable marks relational or document store I/O failure.
	StoreUnavailable Kind = "store_unavailable"
	// EmbeddingUnavailable marks exhausted retries against the embedding model.
	EmbeddingUnavailable Kind = "embedding_unavailable"
	// Timeout marks a missed per-operation deadline.
	Timeout Kind = "timeout"
	// Cancelled marks caller-driven cancellation.
	Cancelled Kind = "cancelled"
	// NotFound marks a missing artifact in a tenant's scope.
	NotFound Kind = "not_found"
	// Internal marks an invariant violation. Fatal for the operation.
	Internal Kind = "internal"
)

// Error is the error shape surfaced to callers: {kind, message, hint?}.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the chain.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithHint attaches a caller-facing hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the kind of err, mapping context errors to Timeout and
// Cancelled. Unclassified errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext converts a context error into the taxonomy; nil passes through.
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return Wrap(Timeout, ctx.Err(), "operation deadline exceeded")
	default:
		return Wrap(Cancelled, ctx.Err(), "operation cancelled")
	}
}
