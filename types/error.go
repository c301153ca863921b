package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Workflow structural error codes (compile-time, fatal).
const (
	ErrNoStart           ErrorCode = "WF_NO_START"
	ErrMultipleStart     ErrorCode = "WF_MULTIPLE_START"
	ErrNoEnd             ErrorCode = "WF_NO_END"
	ErrNoReachableEnd    ErrorCode = "WF_NO_REACHABLE_END"
	ErrInvalidStartEdges ErrorCode = "WF_INVALID_START_EDGES"
	ErrInvalidCondition  ErrorCode = "WF_INVALID_CONDITION"
	ErrUnknownNodeKind   ErrorCode = "WF_UNKNOWN_NODE_KIND"
)

// Runtime error codes (recovered locally, never escape a node).
const (
	ErrClassificationFailed ErrorCode = "CLASSIFICATION_FAILED"
	ErrRetrievalFailed      ErrorCode = "RETRIEVAL_FAILED"
	ErrPersistenceFailed    ErrorCode = "PERSISTENCE_FAILED"
	ErrEmptyResponse        ErrorCode = "EMPTY_RESPONSE"
	ErrUpstreamError        ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout      ErrorCode = "UPSTREAM_TIMEOUT"
	ErrNotFound             ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
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

// CodeOf extracts the ErrorCode from err, or empty if err is not a *Error.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
