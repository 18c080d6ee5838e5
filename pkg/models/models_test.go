package models

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requiredTag = "required"

func branchingDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:       "onboarding",
		TenantID: "acme",
		Name:     "onboarding",
		Version:  1,
		Status:   DefinitionStatusDraft,
		Steps: []*StepDefinition{
			{ID: "check", Kind: StepKindCompute, Branching: true},
			{ID: "welcome", Kind: StepKindExternalCall, Next: "done"},
			{ID: "review", Kind: StepKindHumanTask},
			{ID: "done", Kind: StepKindCompute},
		},
	}
}

// Definition Model Tests

func TestWorkflowDefinition_Validation_Valid(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	require.NoError(t, validate.Struct(branchingDefinition()))
}

func TestWorkflowDefinition_Validation_MissingFields(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	def := branchingDefinition()
	def.TenantID = ""
	def.Steps = nil

	err := validate.Struct(def)
	require.Error(t, err)

	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))

	fields := map[string]string{}
	for _, fieldErr := range validationErrors {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}

	assert.Equal(t, requiredTag, fields["TenantID"])
	assert.Equal(t, requiredTag, fields["Steps"])
}

func TestWorkflowDefinition_Validation_UnknownStepKind(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	def := branchingDefinition()
	def.Steps[0].Kind = "script"

	require.Error(t, validate.Struct(def))
}

func TestWorkflowDefinition_Navigation(t *testing.T) {
	def := branchingDefinition()

	assert.Equal(t, "check", def.FirstStep().ID)
	assert.Equal(t, 2, def.StepIndex("review"))
	assert.Equal(t, -1, def.StepIndex("missing"))

	assert.Equal(t, "welcome", def.NextInOrder("check"))
	assert.Equal(t, "done", def.NextInOrder("welcome"), "explicit next wins over declared order")
	assert.Empty(t, def.NextInOrder("done"))
	assert.Empty(t, def.NextInOrder("missing"))

	assert.False(t, def.IsLinear())
	assert.Equal(t, 4, def.TotalSteps())
	assert.Equal(t, 3, def.RemainingFrom("check"))
	assert.Equal(t, 2, def.RemainingFrom("review"))

	empty := &WorkflowDefinition{}
	assert.Nil(t, empty.FirstStep())
	assert.True(t, empty.IsLinear())
}

func TestStepKind_IsSuspending(t *testing.T) {
	suspending := map[StepKind]bool{
		StepKindCompute:      false,
		StepKindExternalCall: false,
		StepKindDelay:        true,
		StepKindHumanTask:    true,
		StepKindSubWorkflow:  true,
	}

	for _, kind := range StepKinds {
		assert.Equal(t, suspending[kind], kind.IsSuspending(), kind)
	}
}

// Execution Model Tests

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		allowed  bool
	}{
		{ExecutionStatusPending, ExecutionStatusRunning, true},
		{ExecutionStatusRunning, ExecutionStatusCompleted, true},
		{ExecutionStatusRunning, ExecutionStatusSuspended, true},
		{ExecutionStatusSuspended, ExecutionStatusRunning, true},
		{ExecutionStatusSuspended, ExecutionStatusCancelled, true},
		{ExecutionStatusFailed, ExecutionStatusRunning, true},
		{ExecutionStatusSuspended, ExecutionStatusCompleted, false},
		{ExecutionStatusCompleted, ExecutionStatusRunning, false},
		{ExecutionStatusCancelled, ExecutionStatusRunning, false},
		{ExecutionStatusFailed, ExecutionStatusCancelled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
	assert.False(t, ExecutionStatusSuspended.IsTerminal())
	assert.False(t, ExecutionStatusPending.IsTerminal())
}

func TestWorkflowExecution_Clone(t *testing.T) {
	resumeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	original := &WorkflowExecution{
		ID:        "exec-1",
		Variables: map[string]any{"owner": "ana", "deal": map[string]any{"amount": 10}},
		Error:     &ErrorDetail{Code: "step_failed", Context: map[string]any{"step": "a"}},
		ResumeAt:  &resumeAt,
	}

	clone := original.Clone()
	clone.Variables["owner"] = "bob"
	clone.Variables["deal"].(map[string]any)["amount"] = 20
	clone.Error.Context["step"] = "b"
	*clone.ResumeAt = resumeAt.Add(time.Hour)

	assert.Equal(t, "ana", original.Variables["owner"])
	assert.Equal(t, 10, original.Variables["deal"].(map[string]any)["amount"])
	assert.Equal(t, "a", original.Error.Context["step"])
	assert.Equal(t, resumeAt, *original.ResumeAt)

	var nilExecution *WorkflowExecution
	assert.Nil(t, nilExecution.Clone())
}

func TestStepExecution_DurationMs(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := &StepExecution{StartedAt: started}

	assert.Zero(t, step.DurationMs())

	completed := started.Add(1500 * time.Millisecond)
	step.CompletedAt = &completed

	assert.Equal(t, int64(1500), step.DurationMs())
}

// Rule and Event Model Tests

func TestBusinessRule_MatchesTrigger(t *testing.T) {
	all := &BusinessRule{}
	assert.True(t, all.MatchesTrigger("STAGE_CHANGED"))

	won := &BusinessRule{Trigger: "DEAL_WON"}
	assert.True(t, won.MatchesTrigger("DEAL_WON"))
	assert.False(t, won.MatchesTrigger("DEAL_LOST"))
}

func TestDomainEvent_Data(t *testing.T) {
	event := &DomainEvent{
		ID:         "evt-1",
		EntityType: "Deal",
		EntityID:   "deal-42",
		Trigger:    "STAGE_CHANGED",
		Snapshot:   map[string]any{"stage": "won"},
	}

	data := event.Data()

	assert.Equal(t, "won", data["stage"])

	meta, ok := data["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deal-42", meta["entity_id"])
	assert.Equal(t, "STAGE_CHANGED", meta["trigger"])
}

func TestDomainEvent_DataShadowsSnapshotEventField(t *testing.T) {
	event := &DomainEvent{
		ID:         "evt-2",
		EntityType: "Meeting",
		EntityID:   "meeting-7",
		Trigger:    "UPDATED",
		Snapshot:   map[string]any{"event": "kickoff", "room": "b2"},
	}

	data := event.Data()

	meta, ok := data[EventDataKey].(map[string]any)
	require.True(t, ok, "the reserved key always holds the metadata")
	assert.Equal(t, "evt-2", meta["id"])
	assert.Equal(t, "b2", data["room"])

	snapshot, ok := meta["snapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kickoff", snapshot["event"])
	assert.Equal(t, map[string]any{"event": "kickoff", "room": "b2"}, event.Snapshot, "the snapshot is not modified")
}

func TestNewErrorDetail(t *testing.T) {
	detail := NewErrorDetail("timeout", errors.New("step timed out"), map[string]any{"step": "call"})

	assert.Equal(t, "timeout", detail.Code)
	assert.Equal(t, "step timed out", detail.Message)
	assert.Equal(t, "call", detail.Context["step"])

	assert.Empty(t, NewErrorDetail("cancelled", nil, nil).Message)
}
