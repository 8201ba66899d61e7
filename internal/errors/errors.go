// Package errors defines the structured error taxonomy shared by every
// component. The API edge maps kinds onto HTTP status codes; internal
// callers branch on kind to decide retry behavior.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindTransient    Kind = "transient"
	KindDegraded     Kind = "degraded"
	KindFatal        Kind = "fatal"
)

// Base sentinel errors for errors.Is checks across package boundaries.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")
)

// Error is a structured error carrying the kind, the operation that
// failed and the entity it concerned.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "store.insert_samples"
	Entity    string // offending entity id when known, e.g. battery id
	Detail    string // short human message, safe for clients
	Err       error  // underlying error, logged but never sent to clients
	Timestamp time.Time
}

func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Detail, e.Entity, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Detail, e.Entity)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the base sentinels so callers can use errors.Is
// without depending on *Error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	}
	return errors.Is(e.Err, target)
}

// New creates a structured error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Timestamp: time.Now()}
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err, Timestamp: time.Now()}
}

// WithEntity attaches the offending entity id.
func (e *Error) WithEntity(id string) *Error {
	e.Entity = id
	return e
}

// KindOf extracts the kind from an error chain, defaulting to Fatal for
// anything unrecognized.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// DetailOf returns the client-safe message for an error chain.
func DetailOf(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	return "An unexpected error occurred"
}

// IsRetryable reports whether the failure is worth retrying. Only
// transient downstream failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
