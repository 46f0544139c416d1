package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCapacity          = "CAPACITY_EXCEEDED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// OrchestraError is the structured error type for all orchestrator operations.
type OrchestraError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *OrchestraError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestraError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrchestraError.
func NewError(code, message string) *OrchestraError {
	return &OrchestraError{Code: code, Message: message}
}

// NewErrorf creates a new OrchestraError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchestraError {
	return &OrchestraError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *OrchestraError) WithStep(name string) *OrchestraError {
	e.StepName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *OrchestraError) WithCause(err error) *OrchestraError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrchestraError) WithDetails(details map[string]any) *OrchestraError {
	e.Details = details
	return e
}

// IsRetryable reports whether an operation failing with this error may succeed on retry.
func (e *OrchestraError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeCancelled, ErrCodeInvalidTransition, ErrCodeCircuitOpen:
		return false
	}
	return true
}

// IsCode reports whether err (or anything it wraps) is an OrchestraError with the given code.
func IsCode(err error, code string) bool {
	var oe *OrchestraError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

func IsNotFound(err error) bool   { return IsCode(err, ErrCodeNotFound) }
func IsValidation(err error) bool { return IsCode(err, ErrCodeValidation) }
func IsCapacity(err error) bool   { return IsCode(err, ErrCodeCapacity) }
func IsCancelled(err error) bool  { return IsCode(err, ErrCodeCancelled) }
