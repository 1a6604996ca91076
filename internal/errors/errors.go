package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error produced by the core.
type Kind string

const (
	// KindInvalidArgument indicates input that failed validation.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound indicates an unknown job id.
	KindNotFound Kind = "not_found"
	// KindDuplicateID indicates an id collision on insert.
	KindDuplicateID Kind = "duplicate_id"
	// KindCapacityExhausted indicates the pool or queue cannot accept more work.
	KindCapacityExhausted Kind = "capacity_exhausted"
	// KindExecutionFailed indicates the executor returned an error.
	KindExecutionFailed Kind = "execution_failed"
	// KindTimeout indicates the executor exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindInternal indicates an uncaught fault in a core component.
	KindInternal Kind = "internal_error"
)

// Error is the value type carried across component boundaries.
// Details holds field-level context surfaced to clients on 4xx responses.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error kind to the status code the boundary emits.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// InvalidArgument builds a validation error with the offending field attached.
func InvalidArgument(field, format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, format, args...).WithDetail("field", field)
}

// NotFound builds a lookup failure for a job id.
func NotFound(id string) *Error {
	return New(KindNotFound, "job not found: %s", id).WithDetail("job_id", id)
}

// KindOf extracts the kind from any error; unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
