// Package steps executes single workflow steps: one handler per step kind, with
// per-attempt timeouts, retries with exponential backoff and one persisted
// StepExecution record per attempt.
package steps

import (
	"context"
	"net/http"
	"time"

	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/template"
)

// Request is the input of one step dispatch.
type Request struct {
	Execution *models.WorkflowExecution
	Step      *models.StepDefinition
	// StepResults maps step id to the output of its latest completed attempt.
	StepResults map[string]any
	// Resuming is set when the step is re-entered after a suspension.
	Resuming    bool
	ResumeInput map[string]any
	// Attempt is the number of the first attempt to run. Zero starts at 1.
	Attempt int
	Now     time.Time
}

// TemplateData is the data step configs are rendered against.
func (r *Request) TemplateData() map[string]any {
	return template.ExecutionData(r.Execution, r.StepResults)
}

// Suspension tells the coordinator the execution waits for something external.
type Suspension struct {
	Reason   string
	ResumeAt *time.Time
}

// Result is what a handler returns on success.
type Result struct {
	Output map[string]any
	// Next overrides the successor of the step. Empty means declared order.
	Next    string
	Suspend *Suspension
}

type Handler interface {
	Handle(ctx context.Context, req *Request) (*Result, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// DefaultHandlers returns the handler table for every step kind.
func DefaultHandlers(evaluator *expression.Evaluator, client *http.Client, starter SubWorkflowStarter) map[models.StepKind]Handler {
	return map[models.StepKind]Handler{
		models.StepKindCompute:      NewComputeHandler(evaluator),
		models.StepKindExternalCall: NewExternalCallHandler(client),
		models.StepKindDelay:        DelayHandler{},
		models.StepKindHumanTask:    HumanTaskHandler{},
		models.StepKindSubWorkflow:  NewSubWorkflowHandler(starter),
	}
}
