package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the execution core.
type ErrorCode string

// Workflow and orchestration error codes
const (
	// ErrConfiguration indicates a malformed workflow definition. It is
	// surfaced before execution starts and is never retried.
	ErrConfiguration ErrorCode = "CONFIGURATION"
	// ErrTimeout indicates a step or approval exceeded its time budget.
	// Retryable for steps per policy, terminal for approvals.
	ErrTimeout ErrorCode = "TIMEOUT"
	// ErrAgentInvocation indicates the external agent invoker failed.
	ErrAgentInvocation ErrorCode = "AGENT_INVOCATION"
	// ErrApprovalRejected indicates an approval request was explicitly
	// rejected. Always terminal, never retried.
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	// ErrApprovalTimeout indicates an approval request timed out.
	ErrApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"
	// ErrRollbackPartial indicates one or more compensations could not run.
	ErrRollbackPartial ErrorCode = "ROLLBACK_PARTIAL"
	// ErrCancelled indicates the owning execution was cancelled.
	ErrCancelled ErrorCode = "CANCELLED"
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrInternal indicates an unexpected internal failure.
	ErrInternal ErrorCode = "INTERNAL"
)

// Invocation failure classes used by retry conditions
const (
	ErrNetwork     ErrorCode = "NETWORK"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrServerError ErrorCode = "SERVER_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep tags the error with the originating step id.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error carries the retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
