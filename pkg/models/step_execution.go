package models

import "time"

// StepStatus defines the possible states of one step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSuspended StepStatus = "suspended"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepExecution records one attempt of one step. Records are never deleted;
// the latest record per step id is authoritative.
type StepExecution struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	StepKind    StepKind       `json:"step_kind"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	Sequence    int64          `json:"sequence"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Discarded   bool           `json:"discarded,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// DurationMs returns the attempt duration, or zero while running.
func (s *StepExecution) DurationMs() int64 {
	if s.CompletedAt == nil {
		return 0
	}

	return s.CompletedAt.Sub(s.StartedAt).Milliseconds()
}
