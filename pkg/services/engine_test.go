package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence/memory"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/dukex/flowengine/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()

	// Executions run inline so tests observe final states.
	var coord *coordinator.Coordinator

	dispatcher := coordinator.DispatcherFunc(func(ctx context.Context, tenantID, executionID string) error {
		return coord.Advance(context.WithoutCancel(ctx), tenantID, executionID)
	})

	coord = coordinator.New(slog.Default(), store, store, store, coordinator.WithDispatcher(dispatcher))
	ruleEngine := rules.NewEngine(slog.Default(), store, store, store,
		registry.NewRegistry(slog.Default()), expression.NewEvaluator(time.Second))

	return NewEngine(slog.Default(), coord, ruleEngine, store, store, store), store
}

func seed(t *testing.T, store *memory.Persistence) {
	t.Helper()

	require.NoError(t, store.SaveDefinition(t.Context(), &models.WorkflowDefinition{
		ID:       "won-deal",
		TenantID: "acme",
		Name:     "won deal",
		Version:  1,
		Status:   models.DefinitionStatusPublished,
		Trigger:  models.TriggerSpec{EventType: "STAGE_CHANGED", EntityType: "Deal", Filter: map[string]any{"stage": "won"}},
		Steps: []*models.StepDefinition{
			{ID: "tag", Kind: models.StepKindCompute, Config: map[string]any{"set": map[string]any{"tagged": true}}},
		},
	}))

	require.NoError(t, store.SaveRule(t.Context(), &models.BusinessRule{
		ID:         "big-deal",
		TenantID:   "acme",
		Name:       "big deal",
		EntityType: "Deal",
		Active:     true,
		Priority:   1,
		Condition:  models.ConditionExpression{Expression: "amount > 1000"},
	}))
}

func wonDeal() *models.DomainEvent {
	return &models.DomainEvent{
		ID:         "evt-1",
		EntityType: "Deal",
		EntityID:   "deal-42",
		Trigger:    "STAGE_CHANGED",
		Snapshot:   map[string]any{"stage": "won", "amount": 5000},
	}
}

func TestEngine_EmitEvent(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store)

	result, err := engine.EmitEvent(t.Context(), "acme", wonDeal())
	require.NoError(t, err)

	require.Len(t, result.RuleExecutions, 1)
	assert.Equal(t, models.RuleExecutionMatched, result.RuleExecutions[0].Status)

	require.Len(t, result.Executions, 1)
	assert.True(t, result.Executions[0].Created)
	assert.Empty(t, result.Failures)

	view, err := engine.GetExecution(t.Context(), "acme", result.Executions[0].ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, view.Execution.Status)
	assert.Equal(t, TriggerTypeDomainEvent, view.Execution.TriggerType)
	assert.Equal(t, "won", view.Execution.Variables["stage"])

	again, err := engine.EmitEvent(t.Context(), "acme", wonDeal())
	require.NoError(t, err)
	require.Len(t, again.Executions, 1)
	assert.False(t, again.Executions[0].Created, "redelivered events start nothing new")
	assert.Equal(t, result.Executions[0].ExecutionID, again.Executions[0].ExecutionID)

	entries, err := engine.ExecutionLog(t.Context(), "acme", view.Execution.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestEngine_EmitEventWithoutRules(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.EmitEvent(t.Context(), "acme", wonDeal())
	require.NoError(t, err)
	assert.Empty(t, result.RuleExecutions)
	assert.Empty(t, result.Executions)

	_, err = engine.EvaluateRules(t.Context(), "acme", wonDeal())
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestEngine_ValidationErrors(t *testing.T) {
	engine, _ := newTestEngine(t)

	event := wonDeal()
	event.Trigger = ""

	_, err := engine.EmitEvent(t.Context(), "acme", event)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = engine.EvaluateRules(t.Context(), "", wonDeal())
	require.ErrorIs(t, err, ErrTenantRequired)

	_, err = engine.EvaluateRules(t.Context(), "acme", nil)
	require.ErrorIs(t, err, ErrEventNil)

	other := wonDeal()
	other.TenantID = "globex"

	_, err = engine.EvaluateRules(t.Context(), "acme", other)
	assert.True(t, IsValidationError(err))

	_, err = engine.StartExecution(t.Context(), models.StartRequest{TenantID: "acme"})
	assert.True(t, IsValidationError(err))
}

func TestEngine_OperatorErrors(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store)

	_, err := engine.GetExecution(t.Context(), "acme", "missing")
	assert.True(t, IsNotFoundError(err))

	handle, err := engine.StartExecution(t.Context(), models.StartRequest{TenantID: "acme", DefinitionID: "won-deal"})
	require.NoError(t, err)

	_, err = engine.Cancel(t.Context(), "acme", handle.ExecutionID)
	require.Error(t, err)
	assert.True(t, IsConflictError(err), "completed executions cannot be cancelled")

	_, err = engine.Resume(t.Context(), "acme", handle.ExecutionID, nil)
	assert.True(t, IsConflictError(err))
}

func TestEngine_HealthCheck(t *testing.T) {
	engine, _ := newTestEngine(t)

	message, ok := engine.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	engine.health = nil

	_, ok = engine.HealthCheck(t.Context())
	assert.False(t, ok)
}
