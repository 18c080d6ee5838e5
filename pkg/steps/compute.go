package steps

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/template"
)

// ComputeHandler renders the "set" map into the step output and optionally picks the
// next step from "branches":
//
//	{"set": {"total": "{{ .vars.amount }}"},
//	 "branches": [{"when": "total > 1000", "next": "approval"}],
//	 "default": "notify"}
type ComputeHandler struct {
	evaluator *expression.Evaluator
}

func NewComputeHandler(evaluator *expression.Evaluator) *ComputeHandler {
	return &ComputeHandler{evaluator: evaluator}
}

// Branch is one conditional successor of a compute step.
type Branch struct {
	When     string
	Language string
	Next     string
}

func (b Branch) Condition() models.ConditionExpression {
	return models.ConditionExpression{Language: b.Language, Expression: b.When}
}

// ParseBranches reads the "branches" list of a compute step config.
func ParseBranches(config map[string]any) ([]Branch, error) {
	raw, ok := config["branches"]
	if !ok {
		return nil, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("branches must be a list")
	}

	branches := make([]Branch, 0, len(list))

	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("branch %d must be an object", i)
		}

		next, _ := entry["next"].(string)
		if next == "" {
			return nil, fmt.Errorf("branch %d has no next step", i)
		}

		when, _ := entry["when"].(string)
		language, _ := entry["language"].(string)

		branches = append(branches, Branch{When: when, Language: language, Next: next})
	}

	return branches, nil
}

func (h *ComputeHandler) Handle(ctx context.Context, req *Request) (*Result, error) {
	data := req.TemplateData()
	output := map[string]any{}

	if set, ok := req.Step.Config["set"].(map[string]any); ok {
		rendered, err := template.RenderConfig(set, data)
		if err != nil {
			return nil, Permanent(models.ErrorCodeStepValidation, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}

		output = rendered
	}

	branches, err := ParseBranches(req.Step.Config)
	if err != nil {
		return nil, invalidConfig("step %s: %v", req.Step.ID, err)
	}

	next, err := h.chooseBranch(ctx, branches, req, output)
	if err != nil {
		return nil, err
	}

	if next == "" {
		next, _ = req.Step.Config["default"].(string)
	}

	if next != "" {
		output["next_step"] = next
	}

	return &Result{Output: output, Next: next}, nil
}

// chooseBranch returns the target of the first branch whose condition holds.
// Conditions see the variables as globals plus vars, step_results, trigger_data and output.
func (h *ComputeHandler) chooseBranch(ctx context.Context, branches []Branch, req *Request, output map[string]any) (string, error) {
	if len(branches) == 0 {
		return "", nil
	}

	env := make(map[string]any, len(req.Execution.Variables)+4)
	maps.Copy(env, req.Execution.Variables)
	env["vars"] = req.Execution.Variables
	env["step_results"] = req.StepResults
	env["trigger_data"] = req.Execution.TriggerData
	env["output"] = output

	for _, b := range branches {
		matched, err := h.evaluator.Evaluate(ctx, b.Condition(), env)
		if err != nil {
			code := models.ErrorCodeConditionError
			if expression.IsTimeout(err) {
				code = models.ErrorCodeConditionTimeout
			}

			return "", Permanent(code, fmt.Errorf("branch to %s: %w", b.Next, err))
		}

		if matched {
			return b.Next, nil
		}
	}

	return "", nil
}
