// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by every matchmaking package. Callers match them with errors.Is.
var (
	// ErrValidation marks a rejected operation: bad input or an invariant the
	// operation would break. Never retried automatically.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing lobby, team, pre-match, invite or player.
	ErrNotFound = errors.New("not found")

	// ErrConcurrency is returned once optimistic retries are exhausted. It is
	// transient: the whole user action may be retried.
	ErrConcurrency = errors.New("concurrency retries exhausted")

	// ErrCorruptRecord is returned when a cache record fails to decode.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrUnavailable marks a failing external collaborator (no idle server,
	// allocator or directory down).
	ErrUnavailable = errors.New("unavailable")

	// ErrForbidden marks an action the caller is not allowed to perform.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError carries the user-visible reason of a rejected operation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the entity that could not be found.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity string, id interface{}) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// CorruptRecordError describes a cache record that could not be decoded.
type CorruptRecordError struct {
	Key    string
	Detail string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at %s: %s", e.Key, e.Detail)
}

func (e *CorruptRecordError) Unwrap() error { return ErrCorruptRecord }

// Corrupt builds a CorruptRecordError.
func Corrupt(key, format string, args ...interface{}) error {
	return &CorruptRecordError{Key: key, Detail: fmt.Sprintf(format, args...)}
}

// Reason extracts the user-visible reason of a validation error, or a generic
// message for every other kind.
func Reason(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Reason
	case errors.Is(err, ErrNotFound):
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nf.Entity + " not found"
		}
		return "not found"
	case errors.Is(err, ErrConcurrency):
		return "try again"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnavailable):
		return "service unavailable"
	default:
		return "internal error"
	}
}
