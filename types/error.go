package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across abflow.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrForbidden         ErrorCode = "FORBIDDEN"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Storage and analysis error codes
const (
	ErrDuplicateKey       ErrorCode = "DUPLICATE_KEY"
	ErrInsufficientSample ErrorCode = "INSUFFICIENT_SAMPLE"
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Experiment string    `json:"experiment,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithExperiment tags the error with the experiment it concerns.
func (e *Error) WithExperiment(name string) *Error {
	e.Experiment = name
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewStorageUnavailableError wraps an I/O failure of the backing store.
func NewStorageUnavailableError(op string, cause error) *Error {
	return NewError(ErrStorageUnavailable, op+" failed").
		WithCause(cause).
		WithRetryable(true)
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message)
}

// NewInvalidRequestError creates an INVALID_REQUEST error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}
