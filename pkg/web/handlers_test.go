package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence/memory"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/dukex/flowengine/pkg/rules"
	"github.com/dukex/flowengine/pkg/services"
	"github.com/dukex/flowengine/pkg/web"
	"github.com/dukex/flowengine/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	evaluator := expression.NewEvaluator(time.Second)
	m := metrics.New()

	var coord *coordinator.Coordinator

	coord = coordinator.New(slog.Default(), store, store, store,
		coordinator.WithMetrics(m),
		coordinator.WithDispatcher(coordinator.DispatcherFunc(func(ctx context.Context, tenantID, executionID string) error {
			return coord.Advance(context.WithoutCancel(ctx), tenantID, executionID)
		})))

	ruleEngine := rules.NewEngine(slog.Default(), store, store, store, registry.NewRegistry(slog.Default()), evaluator)
	engine := services.NewEngine(slog.Default(), coord, ruleEngine, store, store, store)
	publishing := workflow.NewPublishingService(slog.Default(), store, workflow.NewValidator(evaluator, nil))

	handlers := web.NewAPIHandlers(slog.Default(), engine, publishing, validator.New(validator.WithRequiredStructEnabled()))

	return web.NewApp(handlers, m), store
}

func approval() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       "approval",
		TenantID: "acme",
		Name:     "approval",
		Version:  1,
		Status:   models.DefinitionStatusPublished,
		Trigger:  models.TriggerSpec{EventType: "DEAL_WON"},
		Steps: []*models.StepDefinition{
			{ID: "review", Kind: models.StepKindHumanTask},
			{ID: "close", Kind: models.StepKindCompute, Config: map[string]any{"set": map[string]any{"closed": true}}},
		},
	}
}

func do(t *testing.T, app *fiber.App, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func startApproval(t *testing.T, app *fiber.App) string {
	t.Helper()

	resp, body := do(t, app, http.MethodPost, "/tenants/acme/executions", web.StartExecutionRequest{
		DefinitionID: "approval",
		ExecutionKey: "deal-1",
		Variables:    map[string]any{"amount": 10},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var handle models.ExecutionHandle
	require.NoError(t, json.Unmarshal(body, &handle))

	return handle.ExecutionID
}

func TestAPIHandlers_StartExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{"unknown definition", web.StartExecutionRequest{DefinitionID: "missing"}, http.StatusNotFound},
		{"missing definition id", web.StartExecutionRequest{}, http.StatusBadRequest},
		{"invalid JSON", "invalid-json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp, body := do(t, app, http.MethodPost, "/tenants/acme/executions", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode, string(body))
			assert.Contains(t, resp.Header.Get("Content-Type"), "json")
		})
	}
}

func TestAPIHandlers_ExecutionLifecycle(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)
	require.NoError(t, store.SaveDefinition(t.Context(), approval()))

	id := startApproval(t, app)

	resp, body := do(t, app, http.MethodPost, "/tenants/acme/executions", web.StartExecutionRequest{
		DefinitionID: "approval",
		ExecutionKey: "deal-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "same key returns the existing execution")
	assert.Contains(t, string(body), id)

	resp, body = do(t, app, http.MethodGet, "/tenants/acme/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view models.ExecutionView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusSuspended, view.Execution.Status)
	assert.Equal(t, "review", view.Execution.CurrentStepID)

	resp, _ = do(t, app, http.MethodPost, "/tenants/acme/executions/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only failed executions can be retried")

	resp, body = do(t, app, http.MethodPost, "/tenants/acme/executions/"+id+"/resume",
		web.ResumeRequest{Input: map[string]any{"approved": true}}, web.ActorHeader, "user:alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, app, http.MethodGet, "/tenants/acme/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusCompleted, view.Execution.Status)
	assert.Equal(t, true, view.Execution.Variables["approved"])

	resp, body = do(t, app, http.MethodGet, "/tenants/acme/executions/"+id+"/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var log web.ExecutionLogResponse
	require.NoError(t, json.Unmarshal(body, &log))

	actors := make([]string, 0, len(log.Entries))
	for _, entry := range log.Entries {
		actors = append(actors, entry.Actor)
	}

	assert.Contains(t, actors, "user:alice")

	resp, _ = do(t, app, http.MethodPost, "/tenants/acme/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIHandlers_CancelSuspended(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)
	require.NoError(t, store.SaveDefinition(t.Context(), approval()))

	id := startApproval(t, app)

	resp, body := do(t, app, http.MethodPost, "/tenants/acme/executions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view models.ExecutionView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ExecutionStatusCancelled, view.Execution.Status)

	resp, _ = do(t, app, http.MethodGet, "/tenants/globex/executions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "executions are tenant scoped")
}

func TestAPIHandlers_Events(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)
	require.NoError(t, store.SaveDefinition(t.Context(), approval()))

	resp, body := do(t, app, http.MethodPost, "/tenants/acme/events", models.DomainEvent{
		ID:         "evt-9",
		EntityType: "Deal",
		EntityID:   "deal-9",
		Trigger:    "DEAL_WON",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var result services.EmitResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Executions, 1)
	assert.True(t, result.Executions[0].Created)

	resp, _ = do(t, app, http.MethodPost, "/tenants/acme/events", models.DomainEvent{EntityType: "Deal"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "events need a trigger")

	resp, _ = do(t, app, http.MethodPost, "/tenants/acme/rules/evaluate", models.DomainEvent{
		EntityType: "Deal",
		Trigger:    "DEAL_WON",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no active rules")
}

func TestAPIHandlers_Authoring(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	def := approval()
	def.Status = ""

	resp, body := do(t, app, http.MethodPut, "/tenants/acme/definitions/approval", def)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, app, http.MethodPost, "/tenants/acme/executions", web.StartExecutionRequest{DefinitionID: "approval"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "drafts cannot start")

	resp, body = do(t, app, http.MethodPost, "/tenants/acme/definitions/approval/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, app, http.MethodPut, "/tenants/acme/definitions/approval", def)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	startApproval(t, app)

	resp, body = do(t, app, http.MethodPut, "/tenants/acme/rules/big-deal", models.BusinessRule{
		Name:       "big deal",
		EntityType: "Deal",
		Active:     true,
		Condition:  models.ConditionExpression{Expression: "amount >"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestAPIHandlers_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)
	require.NoError(t, store.SaveDefinition(t.Context(), approval()))
	startApproval(t, app)

	resp, body := do(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])

	resp, body = do(t, app, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowengine_executions_started_total")

	resp, body = do(t, app, http.MethodGet, "/livez", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}
