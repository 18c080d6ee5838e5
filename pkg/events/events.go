// Package events defines the lifecycle notifications published on the event bus.
package events

import (
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every engine event; consumers dispatch on the event type metadata.
const Topic = "flowengine.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound work.
	DomainEventReceivedEvent EventType = "domain.event"
	ExecutionReadyEvent      EventType = "execution.ready"

	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"

	// Step events.
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"

	// Rule events.
	RuleExecutedEvent EventType = "rule.executed"
)

// ExecutionStatusEvents maps a status reached by an execution to the event announcing it.
var ExecutionStatusEvents = map[models.ExecutionStatus]EventType{
	models.ExecutionStatusCompleted: ExecutionCompletedEvent,
	models.ExecutionStatusFailed:    ExecutionFailedEvent,
	models.ExecutionStatusCancelled: ExecutionCancelledEvent,
	models.ExecutionStatusSuspended: ExecutionSuspendedEvent,
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Metadata:  make(map[string]any),
	}
}

// DomainEventReceived carries an external domain event into the engine.
type DomainEventReceived struct {
	BaseEvent

	Event models.DomainEvent `json:"event"`
}

func (e DomainEventReceived) GetType() EventType {
	return DomainEventReceivedEvent
}

// ExecutionReady asks a worker to advance an execution.
type ExecutionReady struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionReady) GetType() EventType {
	return ExecutionReadyEvent
}

// ExecutionLifecycle announces a status change of an execution. The same payload
// serves every execution.* event type.
type ExecutionLifecycle struct {
	BaseEvent

	ExecutionID   string                 `json:"execution_id"`
	DefinitionID  string                 `json:"definition_id"`
	Status        models.ExecutionStatus `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Progress      float64                `json:"progress"`
	SuspendReason string                 `json:"suspend_reason,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	Error         *models.ErrorDetail    `json:"error,omitempty"`
	Actor         string                 `json:"actor,omitempty"`
}

func (e ExecutionLifecycle) GetType() EventType {
	return e.Type
}

// NewExecutionLifecycle snapshots execution into an event of the given type.
func NewExecutionLifecycle(eventType EventType, execution *models.WorkflowExecution) *ExecutionLifecycle {
	return &ExecutionLifecycle{
		BaseEvent:     NewBaseEvent(eventType, execution.TenantID),
		ExecutionID:   execution.ID,
		DefinitionID:  execution.DefinitionID,
		Status:        execution.Status,
		CurrentStepID: execution.CurrentStepID,
		Progress:      execution.Progress,
		SuspendReason: execution.SuspendReason,
		ResumeAt:      execution.ResumeAt,
		Error:         execution.Error,
		Actor:         execution.Actor,
	}
}

// StepOutcome announces the final attempt of a step. Used for step.completed and step.failed.
type StepOutcome struct {
	BaseEvent

	ExecutionID string              `json:"execution_id"`
	StepID      string              `json:"step_id"`
	StepKind    models.StepKind     `json:"step_kind"`
	Attempt     int                 `json:"attempt"`
	DurationMs  int64               `json:"duration_ms"`
	Output      map[string]any      `json:"output,omitempty"`
	Error       *models.ErrorDetail `json:"error,omitempty"`
}

func (e StepOutcome) GetType() EventType {
	return e.Type
}

// RuleExecuted announces one rule evaluation.
type RuleExecuted struct {
	BaseEvent

	Execution models.RuleExecution `json:"execution"`
}

func (e RuleExecuted) GetType() EventType {
	return RuleExecutedEvent
}
