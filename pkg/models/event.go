package models

import "time"

// DomainEvent is an external trigger, e.g. a deal changing pipeline stage.
type DomainEvent struct {
	ID         string         `json:"id"          validate:"required"`
	TenantID   string         `json:"tenant_id"   validate:"required"`
	EntityType string         `json:"entity_type" validate:"required"`
	EntityID   string         `json:"entity_id"`
	Trigger    string         `json:"trigger"     validate:"required"`
	Snapshot   map[string]any `json:"snapshot"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventDataKey is reserved in Data for the event metadata.
const EventDataKey = "event"

// Data returns the document conditions and filters are evaluated against: the
// snapshot fields at the top level plus the event metadata under EventDataKey.
// A snapshot field named like EventDataKey is shadowed there and stays
// reachable as event.snapshot.event.
func (e *DomainEvent) Data() map[string]any {
	data := make(map[string]any, len(e.Snapshot)+1)
	for k, v := range e.Snapshot {
		data[k] = v
	}

	data[EventDataKey] = map[string]any{
		"id":          e.ID,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"trigger":     e.Trigger,
		"snapshot":    e.Snapshot,
	}

	return data
}

// AuditKind classifies an execution log entry.
type AuditKind string

const (
	AuditKindStateTransition AuditKind = "state_transition"
	AuditKindStepOutcome     AuditKind = "step_outcome"
	AuditKindRuleEvaluated   AuditKind = "rule_evaluated"
)

// AuditEntry is one append-only line of the execution log.
type AuditEntry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	RuleID      string         `json:"rule_id,omitempty"`
	Kind        AuditKind      `json:"kind"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	At          time.Time      `json:"at"`
	Sequence    int64          `json:"sequence"`
}

// Error codes stored in ErrorDetail.Code.
const (
	ErrorCodeDefinitionNotFound = "DefinitionNotFound"
	ErrorCodeInvalidTransition  = "InvalidTransition"
	ErrorCodeStepTimeout        = "StepTimeout"
	ErrorCodeStepTransient      = "StepTransientError"
	ErrorCodeStepFailed         = "StepFailed"
	ErrorCodeStepValidation     = "StepValidationError"
	ErrorCodeConditionTimeout   = "ConditionEvaluationTimeout"
	ErrorCodeConditionError     = "ConditionEvaluationError"
	ErrorCodeActionFailed       = "ActionFailed"
	ErrorCodeSubWorkflowFailed  = "SubWorkflowFailed"
)

// ErrorDetail keeps the causing error of a failed record for operator diagnosis.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func NewErrorDetail(code string, err error, context map[string]any) *ErrorDetail {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return &ErrorDetail{Code: code, Message: msg, Context: context}
}
