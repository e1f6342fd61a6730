// Package errors defines the typed errors returned by the registry service.
// Every error response carries one of these as
// {"error": {"type", "code", "message", "request_id"}}.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType is the coarse class of an error; it determines the HTTP status
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeInternal     ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:   http.StatusBadRequest,
	ErrorTypeUnauthorized: http.StatusUnauthorized,
	ErrorTypeNotFound:     http.StatusNotFound,
	ErrorTypeTimeout:      http.StatusGatewayTimeout,
	ErrorTypeInternal:     http.StatusInternalServerError,
}

// APIError is an error with a stable machine-readable code. The cause, if
// any, is kept for logging and never serialized.
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`

	cause error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Type, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// WithRequestID returns a copy of the error carrying a request ID
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates an error of the given type
func New(t ErrorType, code, message string) *APIError {
	status, ok := statusByType[t]
	if !ok {
		t, status = ErrorTypeInternal, http.StatusInternalServerError
	}
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// Wrap creates an error of the given type that keeps cause for logging
func Wrap(cause error, t ErrorType, code, message string) *APIError {
	e := New(t, code, message)
	e.cause = cause
	return e
}

func ValidationError(code, message string) *APIError {
	return New(ErrorTypeValidation, code, message)
}

func UnauthorizedError(code, message string) *APIError {
	return New(ErrorTypeUnauthorized, code, message)
}

func NotFoundError(code, message string) *APIError {
	return New(ErrorTypeNotFound, code, message)
}

func TimeoutError(code, message string) *APIError {
	return New(ErrorTypeTimeout, code, message)
}

// FromError converts err into an APIError. Anything that is not already an
// APIError becomes an opaque internal error wrapping it, so store and file
// system details reach the log but never the caller.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(err, ErrorTypeInternal, "internal_error", "Internal server error")
}
