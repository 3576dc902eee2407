// Package errs defines the structured errors shared by every package in this
// module. Each error carries a machine-readable code so HTTP handlers and
// callers can branch without string matching.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

// Error codes surfaced by the external authentication flow
const (
	// Caller input errors
	ErrCodeValidation         ErrorCode = "VALIDATION_FAILED"
	ErrCodeMissingRedirectURI ErrorCode = "MISSING_REDIRECT_URI"

	// Deployment configuration errors
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// Backend capability errors
	ErrCodeBackendUnsupported ErrorCode = "BACKEND_UNSUPPORTED"

	// Provider-side failures, normalized from provider-specific fields
	ErrCodeProvider ErrorCode = "PROVIDER_ERROR"

	// Identity-resolution pipeline rejection
	ErrCodePipelineRejected ErrorCode = "PIPELINE_REJECTED"

	// Correlation or pipeline token absent, expired or already consumed
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and optional details
type Error struct {
	Code    ErrorCode              // Unique error code
	Message string                 // Human-readable error message
	Details map[string]interface{} // Optional additional details
	Err     error                  // Wrapped underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with code and message
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrapf wraps an existing error with code and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether the error is a token/record absence, regardless
// of which of the two not-found codes was used.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound) || IsCode(err, ErrCodeInvalidState)
}

// GetCode extracts the error code from an error.
// Returns ErrCodeInternal if the error is not a structured Error.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// MapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeMissingRedirectURI:
		return http.StatusBadRequest
	case ErrCodeBackendUnsupported:
		return http.StatusUnprocessableEntity
	case ErrCodeProvider, ErrCodePipelineRejected:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeInvalidState:
		return http.StatusNotFound
	case ErrCodeAlreadyExists:
		return http.StatusConflict
	case ErrCodeConfiguration, ErrCodeInternal:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// NotFound creates a "not found" error
func NotFound(resourceType, identifier string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resourceType, identifier)
}

// Validation creates a caller-input validation error
func Validation(message string) *Error {
	return New(ErrCodeValidation, message)
}

// Provider creates a normalized provider-side error. The code is whatever the
// provider returned (OAuth2 `error` or a numeric errcode), kept in details so
// callers stay provider-agnostic.
func Provider(providerCode, description string) *Error {
	return New(ErrCodeProvider, description).WithDetail("provider_code", providerCode)
}
