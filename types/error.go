package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Flow error codes
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrRouting           ErrorCode = "ROUTING"
	ErrHandler           ErrorCode = "HANDLER"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Guard error codes
const (
	ErrRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
)

// Upstream error codes, reported by capability ports.
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Cause     error     `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode records the node the error surfaced at.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithResetAt records when a guard rejection stops applying.
func (e *Error) WithResetAt(t time.Time) *Error {
	e.ResetAt = t
	return e
}

// AsError extracts *Error from an error chain.
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

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsClientError reports codes that describe a caller mistake rather than a
// transient upstream fault. Client errors are never retried.
func IsClientError(err error) bool {
	switch GetErrorCode(err) {
	case ErrValidation, ErrInvalidRequest, ErrAuthentication, ErrForbidden:
		return true
	}
	return false
}

// ErrorChain flattens the wrapped error messages, outermost first.
func ErrorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
