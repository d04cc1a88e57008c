// Package apperrors carries the error kinds that cross the fan-out service's
// layers: request validation, missing delivery records, disabled tracking and
// store failures.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error is a classified error. errors.Is matches both Kind and Cause.
type Error struct {
	Kind     error // one of the sentinels above
	Message  string
	Field    string // request field for validation errors
	Resource string // "delivery", "delivery gate", ...
	Op       string // failing store operation, e.g. "sqlite.findActive"
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Validation rejects one request field.
func Validation(field, message string) error {
	return &Error{Kind: ErrValidation, Message: message, Field: field}
}

// NotFound reports a missing record, e.g. a delivery with no gate row.
func NotFound(resource, id string) error {
	return &Error{
		Kind:     ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Unavailable reports a component that is switched off or degraded.
func Unavailable(resource, message string) error {
	return &Error{Kind: ErrUnavailable, Message: message, Resource: resource}
}

// Internal wraps a store or driver failure.
func Internal(op string, cause error) error {
	return &Error{
		Kind:    ErrInternal,
		Message: fmt.Sprintf("%s: %v", op, cause),
		Op:      op,
		Cause:   cause,
	}
}

// FieldOf returns the rejected field of a validation error, or "".
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) && errors.Is(e.Kind, ErrValidation) {
		return e.Field
	}
	return ""
}
