package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeCompilation         = "COMPILATION_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeCapabilityMismatch  = "CAPABILITY_MISMATCH"
	ErrCodeDataUnavailable     = "DATA_UNAVAILABLE"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable        = "NON_RETRYABLE"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeLimitExceeded       = "LIMIT_EXCEEDED"
	ErrCodeApprovalRejected    = "APPROVAL_REJECTED"
	ErrCodePathDenied          = "PATH_DENIED"
	ErrCodeIsolation           = "ISOLATION_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
)

// Error is the structured error type for all skein operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HasCode reports whether err is, or wraps, an *Error with the given code.
func HasCode(err error, code string) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code == code
	}
	return false
}

// Retryable reports whether the code marks a transient failure. Codes not
// listed either way are treated as retryable by the recovery layer, which
// additionally inspects the cause.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeNonRetryable, ErrCodeValidation, ErrCodeCompilation,
		ErrCodeCapabilityMismatch, ErrCodeCancelled, ErrCodeCycleDetected,
		ErrCodeInvalidTransition, ErrCodeLimitExceeded, ErrCodeApprovalRejected,
		ErrCodePathDenied, ErrCodeVault:
		return false
	}
	return true
}
