package steps

import (
	"errors"
	"fmt"

	"github.com/dukex/flowengine/pkg/models"
)

var (
	// ErrStepTimeout indicates an attempt exceeded its wall clock budget. Retryable.
	ErrStepTimeout = errors.New("step timeout")

	// ErrStepTransient indicates a failure that may succeed on a later attempt.
	ErrStepTransient = errors.New("transient step error")

	// ErrStepFailed indicates the step exhausted its attempts or failed permanently.
	ErrStepFailed = errors.New("step failed")

	// ErrInvalidConfig indicates a step configuration the handler cannot use.
	ErrInvalidConfig = errors.New("invalid step configuration")

	// ErrUnknownKind indicates no handler is registered for the step kind.
	ErrUnknownKind = errors.New("unknown step kind")
)

// StepError classifies a handler failure. Output keeps partial results.
type StepError struct {
	Code      string
	Retryable bool
	Err       error
	Output    map[string]any
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) *StepError {
	return &StepError{Code: models.ErrorCodeStepTransient, Retryable: true, Err: fmt.Errorf("%w: %w", ErrStepTransient, err)}
}

// Permanent marks err as not retryable.
func Permanent(code string, err error) *StepError {
	return &StepError{Code: code, Retryable: false, Err: err}
}

func invalidConfig(format string, args ...any) *StepError {
	return Permanent(models.ErrorCodeStepValidation, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
}

// classify turns any handler error into a StepError. Unclassified errors are transient.
func classify(err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	if errors.Is(err, ErrStepTimeout) {
		return &StepError{Code: models.ErrorCodeStepTimeout, Retryable: true, Err: err}
	}

	return &StepError{Code: models.ErrorCodeStepTransient, Retryable: true, Err: err}
}

func IsStepTimeout(err error) bool {
	return errors.Is(err, ErrStepTimeout)
}

func IsStepFailed(err error) bool {
	return errors.Is(err, ErrStepFailed)
}
