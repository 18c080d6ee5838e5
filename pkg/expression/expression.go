// Package expression evaluates rule conditions and step branch predicates.
//
// Two languages are understood. "starlark" (the default) evaluates one Starlark
// expression where every top-level field of the data document is a global.
// "simple" accepts boolean and numeric literals, or a gjson path whose value is
// checked for truthiness, optionally compared with == or != against a JSON literal.
package expression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/models"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultMaxSteps = 1_000_000
)

var (
	// ErrConditionTimeout indicates the evaluation exceeded its time or step budget.
	ErrConditionTimeout = errors.New("condition evaluation timeout")

	// ErrUnsupportedLanguage indicates a condition language the evaluator does not know.
	ErrUnsupportedLanguage = errors.New("unsupported condition language")

	// ErrInvalidExpression indicates a syntax or type error in the expression.
	ErrInvalidExpression = errors.New("invalid condition expression")
)

// Evaluator evaluates condition expressions with a hard per-call timeout.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

type Option func(*Evaluator)

func WithMaxSteps(steps uint64) Option {
	return func(e *Evaluator) {
		e.maxSteps = steps
	}
}

func NewEvaluator(timeout time.Duration, opts ...Option) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e := &Evaluator{timeout: timeout, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Evaluator) Timeout() time.Duration {
	return e.timeout
}

// Evaluate reports whether cond holds for data. It never has side effects.
func (e *Evaluator) Evaluate(ctx context.Context, cond models.ConditionExpression, data map[string]any) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch cond.Language {
	case "", models.ConditionLanguageStarlark:
		return e.evaluateStarlark(evalCtx, cond.Expression, data)
	case models.ConditionLanguageSimple:
		return evaluateSimple(cond.Expression, data)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, cond.Language)
	}
}

// Validate checks that cond can be parsed without evaluating it.
func (e *Evaluator) Validate(cond models.ConditionExpression) error {
	switch cond.Language {
	case "", models.ConditionLanguageStarlark:
		return validateStarlark(cond.Expression)
	case models.ConditionLanguageSimple:
		return validateSimple(cond.Expression)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, cond.Language)
	}
}

// IsTimeout checks if an error means the condition ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConditionTimeout)
}
