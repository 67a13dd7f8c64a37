package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents request error codes. Values follow HTTP conventions
// so they can be carried verbatim in ERROR responses.
type ErrorCode uint32

const (
	// Success
	CodeOK ErrorCode = 200

	// Client errors
	CodeBadRequest    ErrorCode = 400
	CodeNotFound      ErrorCode = 404
	CodeNotAcceptable ErrorCode = 406
	CodeConflict      ErrorCode = 409
	CodeGone          ErrorCode = 410

	// Server errors
	CodeInternal    ErrorCode = 500
	CodeUnavailable ErrorCode = 503
)

// StateError is raised while loading, routing or executing a request
type StateError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StateError) Unwrap() error {
	return e.Cause
}

// NewStateError creates a new StateError
func NewStateError(code ErrorCode, message string, cause error) *StateError {
	return &StateError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StateError) WithDetail(key string, value interface{}) *StateError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func BadRequest(message string, cause error) *StateError {
	return NewStateError(CodeBadRequest, message, cause)
}

func NotFound(what, id string) *StateError {
	return NewStateError(CodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail(what, id)
}

func NotAcceptable(message string, cause error) *StateError {
	return NewStateError(CodeNotAcceptable, message, cause)
}

func Conflict(message string) *StateError {
	return NewStateError(CodeConflict, message, nil)
}

func Gone(tableUUID string) *StateError {
	return NewStateError(CodeGone, fmt.Sprintf("table %s has no partitions", tableUUID), nil).
		WithDetail("table_uuid", tableUUID)
}

func Unavailable(message string, cause error) *StateError {
	return NewStateError(CodeUnavailable, message, cause)
}

func Internal(message string, cause error) *StateError {
	return NewStateError(CodeInternal, message, cause)
}

// IsStateError checks if an error is, or wraps, a StateError
func IsStateError(err error) bool {
	var se *StateError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StateError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
