package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no published definition exists for the tenant and id.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrNoActiveRules indicates the tenant has no active rule for the entity type.
	ErrNoActiveRules = errors.New("no active rules")

	// ErrExecutionNotFound indicates an execution was not found for the tenant and id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrConcurrentModification indicates the execution changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrLeaseHeld indicates another worker owns an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another worker")

	// ErrLeaseLost indicates the caller no longer owns the lease it tried to renew.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidID indicates an identifier that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

// DefinitionError wraps definition lookups with tenant context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "PublishedDefinition")
	TenantID     string
	DefinitionID string
	Err          error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s operation failed for definition %s of tenant %s: %v", e.Op, e.DefinitionID, e.TenantID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewDefinitionError(op, tenantID, definitionID string, err error) *DefinitionError {
	return &DefinitionError{Op: op, TenantID: tenantID, DefinitionID: definitionID, Err: err}
}

// ExecutionError wraps execution related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "SaveExecution")
	ExecutionID string
	Err         error
	Message     string // Additional context message
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for execution %s: %s (%v)", e.Op, e.ExecutionID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

func IsNoActiveRules(err error) bool {
	return errors.Is(err, ErrNoActiveRules)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsLeaseConflict checks if an error means another worker owns the execution.
func IsLeaseConflict(err error) bool {
	return errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrLeaseLost)
}
