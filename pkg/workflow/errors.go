package workflow

import (
	"errors"
	"fmt"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest         = errors.New("invalid request")
	ErrDefinitionNameRequired = errors.New("workflow name is required")
	ErrStepsRequired          = errors.New("workflow must have at least one step")
	ErrUnknownWorkflow        = errors.New("unknown or inactive workflow")
	ErrMissingRequiredField   = errors.New("required input field is missing")
	ErrUnresolvableTemplate   = errors.New("step template references an unresolvable placeholder")
	ErrUnknownTargetFunction  = errors.New("step references an unknown target function")

	// Conflicts (409 Conflict).
	ErrExecutionTerminal = errors.New("execution already reached a terminal state")
)

// ServiceError wraps workflow service errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDefinitionNameRequired) ||
		errors.Is(err, ErrStepsRequired) ||
		errors.Is(err, ErrUnknownWorkflow) ||
		errors.Is(err, ErrMissingRequiredField) ||
		errors.Is(err, ErrUnresolvableTemplate) ||
		errors.Is(err, ErrUnknownTargetFunction)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionTerminal)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
