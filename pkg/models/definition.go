// Package models defines the core records of the workflow and rule execution engine.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft       DefinitionStatus = "draft"       // Editable, not executable
	DefinitionStatusPublished   DefinitionStatus = "published"   // Immutable, executable
	DefinitionStatusUnpublished DefinitionStatus = "unpublished" // Historical, no new executions
)

// StepKind tags the variant of a step. The step executor dispatches on it.
type StepKind string

const (
	StepKindCompute      StepKind = "compute"
	StepKindExternalCall StepKind = "external_call"
	StepKindDelay        StepKind = "delay"
	StepKindHumanTask    StepKind = "human_task"
	StepKindSubWorkflow  StepKind = "sub_workflow"
)

// StepKinds lists every supported step kind.
var StepKinds = []StepKind{
	StepKindCompute,
	StepKindExternalCall,
	StepKindDelay,
	StepKindHumanTask,
	StepKindSubWorkflow,
}

// IsSuspending reports whether the kind waits on something outside the worker.
func (k StepKind) IsSuspending() bool {
	return k == StepKindDelay || k == StepKindHumanTask || k == StepKindSubWorkflow
}

// WorkflowDefinition is a tenant scoped, versioned workflow. Published definitions are immutable.
type WorkflowDefinition struct {
	ID             string            `json:"id"              validate:"required"`
	TenantID       string            `json:"tenant_id"       validate:"required"`
	Name           string            `json:"name"            validate:"required,min=3"`
	Version        int               `json:"version"         validate:"min=1"`
	Status         DefinitionStatus  `json:"status"          validate:"required,oneof=draft published unpublished"`
	Steps          []*StepDefinition `json:"steps"           validate:"required,min=1,dive"`
	Trigger        TriggerSpec       `json:"trigger"`
	VariableSchema map[string]any    `json:"variable_schema,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	PublishedAt    *time.Time        `json:"published_at,omitempty"`
}

// StepDefinition describes one unit of work within a definition.
type StepDefinition struct {
	ID        string         `json:"id"                   validate:"required"`
	Name      string         `json:"name"`
	Kind      StepKind       `json:"kind"                 validate:"required,oneof=compute external_call delay human_task sub_workflow"`
	Config    map[string]any `json:"config,omitempty"`
	Next      string         `json:"next,omitempty"`
	Branching bool           `json:"branching,omitempty"`
	Skippable bool           `json:"skippable,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty" validate:"min=0"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
}

// RetryPolicy overrides the engine retry defaults for one step.
type RetryPolicy struct {
	MaxAttempts      int   `json:"max_attempts"       validate:"min=1,max=10"`
	InitialBackoffMs int64 `json:"initial_backoff_ms" validate:"min=0"`
	MaxBackoffMs     int64 `json:"max_backoff_ms"     validate:"min=0"`
}

// TriggerSpec selects the domain events that start a definition.
type TriggerSpec struct {
	EventType  string         `json:"event_type,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"` // gjson path -> expected value
}

func (d *WorkflowDefinition) IsPublished() bool {
	return d.Status == DefinitionStatusPublished
}

// Snapshot returns a deep copy of the definition, detached from later edits of d.
func (d *WorkflowDefinition) Snapshot() *WorkflowDefinition {
	c := *d
	c.VariableSchema = CloneMap(d.VariableSchema)
	c.Trigger.Filter = CloneMap(d.Trigger.Filter)

	if d.PublishedAt != nil {
		publishedAt := *d.PublishedAt
		c.PublishedAt = &publishedAt
	}

	c.Steps = make([]*StepDefinition, len(d.Steps))

	for i, step := range d.Steps {
		sc := *step
		sc.Config = CloneMap(step.Config)

		if step.Retry != nil {
			retry := *step.Retry
			sc.Retry = &retry
		}

		c.Steps[i] = &sc
	}

	return &c
}

// StepByID returns the step with the given id.
func (d *WorkflowDefinition) StepByID(id string) (*StepDefinition, bool) {
	idx := d.StepIndex(id)
	if idx < 0 {
		return nil, false
	}

	return d.Steps[idx], true
}

// StepIndex returns the declared position of a step, or -1.
func (d *WorkflowDefinition) StepIndex(id string) int {
	for i, step := range d.Steps {
		if step.ID == id {
			return i
		}
	}

	return -1
}

func (d *WorkflowDefinition) FirstStep() *StepDefinition {
	if len(d.Steps) == 0 {
		return nil
	}

	return d.Steps[0]
}

// NextInOrder returns the id of the step that follows id when no branch or explicit
// successor applies. An empty string means the workflow ends after id.
func (d *WorkflowDefinition) NextInOrder(id string) string {
	step, ok := d.StepByID(id)
	if !ok {
		return ""
	}

	if step.Next != "" {
		return step.Next
	}

	idx := d.StepIndex(id)
	if idx+1 < len(d.Steps) {
		return d.Steps[idx+1].ID
	}

	return ""
}

// IsLinear reports whether every step follows declared order.
func (d *WorkflowDefinition) IsLinear() bool {
	for _, step := range d.Steps {
		if step.Branching || step.Next != "" {
			return false
		}
	}

	return true
}

func (d *WorkflowDefinition) TotalSteps() int {
	return len(d.Steps)
}

// RemainingFrom counts the steps reachable in declared order starting at id, id included.
// It is the running estimate used for branching definitions.
func (d *WorkflowDefinition) RemainingFrom(id string) int {
	seen := make(map[string]bool, len(d.Steps))
	count := 0

	for cur := id; cur != "" && !seen[cur]; cur = d.NextInOrder(cur) {
		if _, ok := d.StepByID(cur); !ok {
			break
		}

		seen[cur] = true
		count++
	}

	return count
}
