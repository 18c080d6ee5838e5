// Package services provides the engine facade used by the HTTP API and workers.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/rules"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrTenantRequired = errors.New("tenant ID cannot be empty")
	ErrEventNil       = errors.New("event cannot be nil")
)

// ServiceError wraps service-level errors with additional context.
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

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrEventNil) ||
		errors.Is(err, coordinator.ErrInvalidRequest) ||
		errors.Is(err, coordinator.ErrInvalidVariables) ||
		errors.Is(err, rules.ErrTenantMismatch)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsDefinitionNotFound(err) ||
		persistence.IsExecutionNotFound(err) ||
		persistence.IsNoActiveRules(err)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return coordinator.IsIllegalState(err) ||
		coordinator.IsInvalidTransition(err) ||
		persistence.IsConcurrentModification(err)
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
