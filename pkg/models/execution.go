package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuspended ExecutionStatus = "SUSPENDED"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// transitions lists the allowed target states per source state.
// FAILED -> RUNNING is only reachable through an explicit retry.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {
		ExecutionStatusRunning,
		ExecutionStatusSuspended,
		ExecutionStatusCancelled,
		ExecutionStatusFailed,
	},
	ExecutionStatusRunning: {
		ExecutionStatusSuspended,
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
	ExecutionStatusSuspended: {
		ExecutionStatusRunning,
		ExecutionStatusCancelled,
	},
	ExecutionStatusFailed: {
		ExecutionStatusRunning,
	},
}

// IsTerminal reports whether no further automatic transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Suspend reasons recorded on suspended executions.
const (
	SuspendReasonHumanTask   = "human_task"
	SuspendReasonTimer       = "timer"
	SuspendReasonSubWorkflow = "sub_workflow"
	SuspendReasonOperator    = "operator"
	// SuspendReasonRetry parks a failed step until its backoff elapsed.
	SuspendReasonRetry = "retry_backoff"
)

// WorkflowExecution is one instantiation of a published definition.
// It is mutated only by the coordinator.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version"`
	ExecutionKey      string          `json:"execution_key"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepID     string          `json:"current_step_id,omitempty"`
	Variables         map[string]any  `json:"variables"`
	TriggerType       string          `json:"trigger_type,omitempty"`
	TriggerData       map[string]any  `json:"trigger_data,omitempty"`
	Progress          float64         `json:"progress"`
	CompletedSteps    int             `json:"completed_steps"`
	TotalSteps        int             `json:"total_steps"`
	Attempt           int             `json:"attempt"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Error             *ErrorDetail    `json:"error,omitempty"`
	CancelRequested   bool            `json:"cancel_requested,omitempty"`
	SuspendRequested  bool            `json:"suspend_requested,omitempty"`
	SuspendReason     string          `json:"suspend_reason,omitempty"`
	ResumeAt          *time.Time      `json:"resume_at,omitempty"`
	Resuming          bool            `json:"resuming,omitempty"`
	ResumeInput       map[string]any  `json:"resume_input,omitempty"`
	StepAttempt       int             `json:"step_attempt,omitempty"` // attempt the current step continues with
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentStepID      string          `json:"parent_step_id,omitempty"`
	Actor             string          `json:"actor,omitempty"`
	Version           int64           `json:"version"`
}

// Clone returns a deep enough copy for read-modify-write cycles.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}

	c := *e
	c.Variables = CloneMap(e.Variables)
	c.TriggerData = CloneMap(e.TriggerData)
	c.ResumeInput = CloneMap(e.ResumeInput)

	if e.Error != nil {
		detail := *e.Error
		detail.Context = CloneMap(e.Error.Context)
		c.Error = &detail
	}

	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}

	if e.ResumeAt != nil {
		t := *e.ResumeAt
		c.ResumeAt = &t
	}

	return &c
}

// ExecutionHandle is returned to callers that start an execution.
type ExecutionHandle struct {
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	Status      ExecutionStatus `json:"status"`
	Created     bool            `json:"created"` // false when an existing execution matched the key
}

// ExecutionView is the read model exposed to collaborators.
type ExecutionView struct {
	Execution *WorkflowExecution `json:"execution"`
	Steps     []*StepExecution   `json:"steps"`
}

// CloneMap copies a map one level deep, nested maps included.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CloneMap(nested)

			continue
		}

		out[k] = v
	}

	return out
}

// StartRequest asks the coordinator to start, or find, an execution.
type StartRequest struct {
	TenantID          string         `json:"tenant_id"     validate:"required"`
	DefinitionID      string         `json:"definition_id" validate:"required"`
	ExecutionKey      string         `json:"execution_key"`
	Variables         map[string]any `json:"variables"`
	TriggerType       string         `json:"trigger_type"`
	TriggerData       map[string]any `json:"trigger_data"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	ParentStepID      string         `json:"parent_step_id,omitempty"`
	Actor             string         `json:"actor"`
}
