package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/template"
)

// DelayHandler suspends the execution until "duration_ms" elapsed or the RFC 3339
// "until" instant passed. A resume before that instant suspends again.
type DelayHandler struct{}

func (DelayHandler) Handle(_ context.Context, req *Request) (*Result, error) {
	if req.Resuming && req.Execution.ResumeAt != nil {
		resumeAt := *req.Execution.ResumeAt
		if req.Now.Before(resumeAt) {
			return &Result{Suspend: &Suspension{Reason: models.SuspendReasonTimer, ResumeAt: &resumeAt}}, nil
		}

		return &Result{Output: map[string]any{"waited_until": resumeAt.Format(time.RFC3339Nano)}}, nil
	}

	resumeAt, err := delayUntil(req)
	if err != nil {
		return nil, err
	}

	if !req.Now.Before(resumeAt) {
		return &Result{Output: map[string]any{"waited_until": resumeAt.Format(time.RFC3339Nano)}}, nil
	}

	return &Result{Suspend: &Suspension{Reason: models.SuspendReasonTimer, ResumeAt: &resumeAt}}, nil
}

func delayUntil(req *Request) (time.Time, error) {
	config, err := template.RenderConfig(req.Step.Config, req.TemplateData())
	if err != nil {
		return time.Time{}, invalidConfig("step %s: %v", req.Step.ID, err)
	}

	switch {
	case config["until"] != nil:
		raw, ok := config["until"].(string)
		if !ok {
			return time.Time{}, invalidConfig("step %s: until must be an RFC 3339 string", req.Step.ID)
		}

		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, invalidConfig("step %s: %v", req.Step.ID, err)
		}

		return until, nil
	case config["duration_ms"] != nil:
		ms, ok := toFloat(config["duration_ms"])
		if !ok || ms < 0 {
			return time.Time{}, invalidConfig("step %s: duration_ms must be a non negative number", req.Step.ID)
		}

		return req.Now.Add(time.Duration(ms) * time.Millisecond), nil
	default:
		return time.Time{}, invalidConfig("step %s: delay needs duration_ms or until", req.Step.ID)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// HumanTaskHandler suspends until an operator resumes the execution. The resume
// input becomes the step output. There is no timeout.
type HumanTaskHandler struct{}

func (HumanTaskHandler) Handle(_ context.Context, req *Request) (*Result, error) {
	if !req.Resuming {
		return &Result{
			Output:  map[string]any{"task": req.Step.Config},
			Suspend: &Suspension{Reason: models.SuspendReasonHumanTask},
		}, nil
	}

	output := models.CloneMap(req.ResumeInput)
	if output == nil {
		output = map[string]any{}
	}

	return &Result{Output: output}, nil
}

// SubWorkflowStarter is implemented by the execution coordinator. Start must be
// idempotent on the execution key and report the current status of the child.
type SubWorkflowStarter interface {
	Start(ctx context.Context, req models.StartRequest) (*models.ExecutionHandle, error)
}

// SubWorkflowHandler starts "definition_id" as a child execution and waits for it.
// The child key is derived from the parent execution and step, so re-entering the
// step finds the same child.
type SubWorkflowHandler struct {
	starter SubWorkflowStarter
}

func NewSubWorkflowHandler(starter SubWorkflowStarter) *SubWorkflowHandler {
	return &SubWorkflowHandler{starter: starter}
}

// ChildExecutionKey identifies the child started by step of execution.
func ChildExecutionKey(executionID, stepID string) string {
	return executionID + ":" + stepID
}

func (h *SubWorkflowHandler) Handle(ctx context.Context, req *Request) (*Result, error) {
	config, err := template.RenderConfig(req.Step.Config, req.TemplateData())
	if err != nil {
		return nil, invalidConfig("step %s: %v", req.Step.ID, err)
	}

	definitionID, _ := config["definition_id"].(string)
	if definitionID == "" {
		return nil, invalidConfig("step %s: sub_workflow needs definition_id", req.Step.ID)
	}

	variables, _ := config["variables"].(map[string]any)

	handle, err := h.starter.Start(ctx, models.StartRequest{
		TenantID:          req.Execution.TenantID,
		DefinitionID:      definitionID,
		ExecutionKey:      ChildExecutionKey(req.Execution.ID, req.Step.ID),
		Variables:         variables,
		TriggerType:       "sub_workflow",
		TriggerData:       map[string]any{"parent_execution_id": req.Execution.ID, "parent_step_id": req.Step.ID},
		ParentExecutionID: req.Execution.ID,
		ParentStepID:      req.Step.ID,
		Actor:             "execution:" + req.Execution.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("start child %s: %w", definitionID, err)
	}

	output := map[string]any{
		"child_execution_id": handle.ExecutionID,
		"child_status":       string(handle.Status),
	}

	switch handle.Status {
	case models.ExecutionStatusCompleted:
		return &Result{Output: output}, nil
	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		stepErr := Permanent(models.ErrorCodeSubWorkflowFailed,
			fmt.Errorf("child execution %s ended %s", handle.ExecutionID, handle.Status))
		stepErr.Output = output

		return nil, stepErr
	default:
		return &Result{Output: output, Suspend: &Suspension{Reason: models.SuspendReasonSubWorkflow}}, nil
	}
}
