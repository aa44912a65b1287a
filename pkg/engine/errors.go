package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a defect detected before any task starts.
	// Examples: missing or ambiguous handlers, cyclic resource graphs.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassRuntime indicates a failure reported while a plan was executing.
	// Already completed work is never rolled back.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassPermanent indicates any other non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the lifecycle step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewRuntimeError creates a new runtime error.
func NewRuntimeError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRuntime,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfiguration returns true if the error was detected at plan-generation time.
func IsConfiguration(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsRuntime returns true if the error was reported while executing a plan.
func IsRuntime(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRuntime
	}
	return false
}

// CodeOf returns the error code of an EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeNoEligibleHandler = "NO_ELIGIBLE_HANDLER"
	ErrCodeAmbiguousHandler  = "AMBIGUOUS_HANDLER"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeTaskTimeout       = "TASK_TIMEOUT"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// Sentinels for errors.Is matching by class and code.
var (
	ErrNoEligibleHandler = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeNoEligibleHandler}
	ErrAmbiguousHandler  = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeAmbiguousHandler}
	ErrCyclicDependency  = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeCyclicDependency}
	ErrPolicyDenied      = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodePolicyDenied}
	ErrTaskTimeout       = &EngineError{Class: ErrorClassRuntime, Code: ErrCodeTaskTimeout}
	ErrHandlerFailure    = &EngineError{Class: ErrorClassRuntime, Code: ErrCodeHandlerFailed}
)
