// Package workflow validates, publishes and unpublishes workflow definitions and rules.
package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/dukex/flowengine/pkg/schema"
	"github.com/dukex/flowengine/pkg/steps"
	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrInvalidRule       = errors.New("invalid business rule")
)

// IsInvalid checks if an error is a definition or rule validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidDefinition) || errors.Is(err, ErrInvalidRule)
}

// Validator checks definitions and rules before they are published or activated.
type Validator struct {
	validate  *validator.Validate
	schemas   *schema.Validator
	evaluator *expression.Evaluator
	registry  *registry.Registry
}

// NewValidator creates a validator. A nil registry skips the rule action type check.
func NewValidator(evaluator *expression.Evaluator, registry *registry.Registry) *Validator {
	return &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		schemas:   schema.NewValidator(),
		evaluator: evaluator,
		registry:  registry,
	}
}

// ValidateDefinition reports every structural problem of def at once.
func (v *Validator) ValidateDefinition(def *models.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}

	if err := v.validate.Struct(def); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidDefinition, def.ID, err)
	}

	var problems []error

	ids := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if ids[step.ID] {
			problems = append(problems, fmt.Errorf("step %s is declared twice", step.ID))
		}

		ids[step.ID] = true
	}

	for _, step := range def.Steps {
		problems = append(problems, v.validateStep(step, ids)...)
	}

	if def.VariableSchema != nil {
		if err := v.schemas.Compile(def.VariableSchema); err != nil {
			problems = append(problems, fmt.Errorf("variable schema: %w", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidDefinition, def.ID, errors.Join(problems...))
	}

	return nil
}

func (v *Validator) validateStep(step *models.StepDefinition, ids map[string]bool) []error {
	var problems []error

	target := func(field, id string) {
		if id != "" && !ids[id] {
			problems = append(problems, fmt.Errorf("step %s: %s points to unknown step %s", step.ID, field, id))
		}
	}

	target("next", step.Next)

	switch step.Kind {
	case models.StepKindCompute:
		branches, err := steps.ParseBranches(step.Config)
		if err != nil {
			problems = append(problems, fmt.Errorf("step %s: %w", step.ID, err))

			break
		}

		if len(branches) > 0 && !step.Branching {
			problems = append(problems, fmt.Errorf("step %s declares branches but is not branching", step.ID))
		}

		for _, b := range branches {
			target("branch", b.Next)

			if err := v.evaluator.Validate(b.Condition()); err != nil {
				problems = append(problems, fmt.Errorf("step %s: branch to %s: %w", step.ID, b.Next, err))
			}
		}

		if next, ok := step.Config["default"].(string); ok {
			target("default", next)
		}
	case models.StepKindExternalCall:
		url, _ := step.Config["url"].(string)
		host, _ := step.Config["host"].(string)

		if url == "" && host == "" {
			problems = append(problems, fmt.Errorf("step %s: external call needs a url or host", step.ID))
		}
	case models.StepKindDelay:
		if step.Config["duration_ms"] == nil && step.Config["until"] == nil {
			problems = append(problems, fmt.Errorf("step %s: delay needs duration_ms or until", step.ID))
		}
	case models.StepKindSubWorkflow:
		if id, _ := step.Config["definition_id"].(string); id == "" {
			problems = append(problems, fmt.Errorf("step %s: sub workflow needs a definition_id", step.ID))
		}
	case models.StepKindHumanTask:
	}

	return problems
}

// ValidateRule checks the rule fields, its condition and its action types.
func (v *Validator) ValidateRule(rule *models.BusinessRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}

	if err := v.validate.Struct(rule); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidRule, rule.ID, err)
	}

	var problems []error

	if rule.Condition.Expression != "" {
		if err := v.evaluator.Validate(rule.Condition); err != nil {
			problems = append(problems, fmt.Errorf("condition: %w", err))
		}
	}

	if v.registry != nil {
		for i, action := range rule.Actions {
			if !v.registry.HasAction(action.Type) {
				problems = append(problems, fmt.Errorf("action %d: unknown type %s", i, action.Type))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidRule, rule.ID, errors.Join(problems...))
	}

	return nil
}
