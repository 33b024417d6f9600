// Package errors provides the structured error used across GEDS: every fallible
// operation returns either a value or a *GedsError carrying a code, a category
// and a human-readable message.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	// Lookup failures
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// State failures
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeNotStarted   ErrorCode = "NOT_STARTED"

	// Argument failures
	ErrCodeOutOfRange      ErrorCode = "OUT_OF_RANGE"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Resource failures
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Collaborator failures
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// Bulk failures
	ErrCodePartialFailure ErrorCode = "PARTIAL_FAILURE"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryLookup     ErrorCategory = "lookup"
	CategoryState      ErrorCategory = "state"
	CategoryArgument   ErrorCategory = "argument"
	CategoryResource   ErrorCategory = "resource"
	CategoryConnection ErrorCategory = "connection"
	CategoryBulk       ErrorCategory = "bulk"
	CategoryInternal   ErrorCategory = "internal"
)

// GedsError is a structured error with context.
type GedsError struct {
	Code     ErrorCode
	Category ErrorCategory
	Message  string
	Details  map[string]interface{}

	Component string
	Operation string
	Key       string

	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *GedsError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key %q)", e.Key)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *GedsError) Unwrap() error {
	return e.Cause
}

// Is matches another *GedsError by code, so a bare NewError(code, "") works as
// a sentinel with errors.Is.
func (e *GedsError) Is(target error) bool {
	if t, ok := target.(*GedsError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for debug logging.
func (e *GedsError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("GedsError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with the defaults for its code.
func NewError(code ErrorCode, message string) *GedsError {
	return &GedsError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with formatting.
func Newf(code ErrorCode, format string, args ...interface{}) *GedsError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory maps a code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeAlreadyExists:
		return CategoryLookup
	case ErrCodeInvalidState, ErrCodeNotStarted:
		return CategoryState
	case ErrCodeOutOfRange, ErrCodeInvalidArgument:
		return CategoryArgument
	case ErrCodeResourceExhausted:
		return CategoryResource
	case ErrCodeUnavailable:
		return CategoryConnection
	case ErrCodePartialFailure:
		return CategoryBulk
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a caller-side retry can succeed.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeUnavailable, ErrCodeResourceExhausted:
		return true
	default:
		return false
	}
}

// WithComponent sets the component.
func (e *GedsError) WithComponent(component string) *GedsError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *GedsError) WithOperation(operation string) *GedsError {
	e.Operation = operation
	return e
}

// WithKey sets the offending key or identifier.
func (e *GedsError) WithKey(key string) *GedsError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause.
func (e *GedsError) WithCause(cause error) *GedsError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail value.
func (e *GedsError) WithDetail(key string, value interface{}) *GedsError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *GedsError in err's chain. Context
// cancellation and deadlines map to UNAVAILABLE; anything else is INTERNAL.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var gerr *GedsError
	if stderrors.As(err, &gerr) {
		return gerr.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return ErrCodeUnavailable
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Wrap converts an arbitrary error into a *GedsError. Existing *GedsError
// values pass through untouched.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	var gerr *GedsError
	if stderrors.As(err, &gerr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		code = ErrCodeUnavailable
	}
	return NewError(code, message).WithCause(err)
}

// Constructors for the common cases.

func NotFound(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeNotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeAlreadyExists, format, args...)
}

func InvalidState(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeInvalidState, format, args...)
}

func OutOfRange(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeOutOfRange, format, args...)
}

func InvalidArgument(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeInvalidArgument, format, args...)
}

func ResourceExhausted(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeResourceExhausted, format, args...)
}

func Unavailable(format string, args ...interface{}) *GedsError {
	return Newf(ErrCodeUnavailable, format, args...)
}

// PartialFailure reports a bulk operation that stopped at failedKey after
// completed sub-operations had already been applied.
func PartialFailure(operation, failedKey string, completed int, cause error) *GedsError {
	return Newf(ErrCodePartialFailure, "%s stopped after %d completed operations", operation, completed).
		WithOperation(operation).
		WithKey(failedKey).
		WithDetail("completed", completed).
		WithCause(cause)
}
