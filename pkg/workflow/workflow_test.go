package workflow

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/mocks"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/persistence/memory"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draft() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       "onboarding",
		TenantID: "acme",
		Name:     "onboarding",
		Steps: []*models.StepDefinition{
			{
				ID:        "score",
				Kind:      models.StepKindCompute,
				Branching: true,
				Config: map[string]any{
					"branches": []any{map[string]any{"when": "amount > 1000", "next": "review"}},
					"default":  "welcome",
				},
			},
			{ID: "review", Kind: models.StepKindHumanTask},
			{ID: "welcome", Kind: models.StepKindExternalCall, Config: map[string]any{"url": "http://mail/send"}},
		},
		VariableSchema: map[string]any{"type": "object"},
	}
}

func TestValidator_ValidateDefinition(t *testing.T) {
	v := NewValidator(expression.NewEvaluator(time.Second), nil)

	require.NoError(t, v.ValidateDefinition(draft()))

	tests := []struct {
		name   string
		modify func(*models.WorkflowDefinition)
		want   string
	}{
		{"duplicate step", func(d *models.WorkflowDefinition) { d.Steps[2].ID = "review" }, "declared twice"},
		{"unknown next", func(d *models.WorkflowDefinition) { d.Steps[1].Next = "nowhere" }, "unknown step nowhere"},
		{"unknown default", func(d *models.WorkflowDefinition) { d.Steps[0].Config["default"] = "gone" }, "unknown step gone"},
		{"branches without flag", func(d *models.WorkflowDefinition) { d.Steps[0].Branching = false }, "not branching"},
		{"bad condition", func(d *models.WorkflowDefinition) {
			d.Steps[0].Config["branches"] = []any{map[string]any{"when": "amount >", "next": "review"}}
		}, "branch to review"},
		{"external call without url", func(d *models.WorkflowDefinition) { d.Steps[2].Config = nil }, "url or host"},
		{"delay without duration", func(d *models.WorkflowDefinition) { d.Steps[1].Kind = models.StepKindDelay }, "duration_ms or until"},
		{"bad schema", func(d *models.WorkflowDefinition) { d.VariableSchema = map[string]any{"type": 12} }, "variable schema"},
		{"no steps", func(d *models.WorkflowDefinition) { d.Steps = nil }, "Steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := draft()
			def.Status = models.DefinitionStatusDraft
			def.Version = 1
			tt.modify(def)

			err := v.ValidateDefinition(def)
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.True(t, IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidator_ValidateRule(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAction(&mocks.MockActionFactory{Type: "log"})

	v := NewValidator(expression.NewEvaluator(time.Second), reg)

	rule := &models.BusinessRule{
		ID:         "big-deal",
		TenantID:   "acme",
		Name:       "big deal",
		EntityType: "Deal",
		Condition:  models.ConditionExpression{Expression: "amount > 1000"},
		Actions:    []models.RuleAction{{Type: "log"}},
	}
	require.NoError(t, v.ValidateRule(rule))

	rule.Actions = append(rule.Actions, models.RuleAction{Type: "fax"})
	err := v.ValidateRule(rule)
	require.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "unknown type fax")

	rule.Actions = nil
	rule.Condition = models.ConditionExpression{Language: "cel", Expression: "true"}
	require.ErrorIs(t, v.ValidateRule(rule), ErrInvalidRule)
}

func TestPublishingService_Lifecycle(t *testing.T) {
	store := memory.NewPersistence()

	var changed []string

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := NewPublishingService(slog.Default(), store,
		NewValidator(expression.NewEvaluator(time.Second), nil),
		WithClock(func() time.Time { return now }),
		WithChangeHook(func(tenantID string) { changed = append(changed, tenantID) }))

	saved, err := svc.SaveDraft(t.Context(), draft())
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.Equal(t, models.DefinitionStatusDraft, saved.Status)

	_, err = store.PublishedDefinition(t.Context(), "acme", "onboarding")
	require.True(t, persistence.IsDefinitionNotFound(err), "drafts are not executable")

	published, err := svc.Publish(t.Context(), "acme", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
	assert.Equal(t, now, *published.PublishedAt)

	_, err = svc.SaveDraft(t.Context(), draft())
	require.ErrorIs(t, err, ErrDefinitionImmutable)

	again, err := svc.Publish(t.Context(), "acme", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version, "publishing twice is a no-op")

	_, err = svc.Unpublish(t.Context(), "acme", "onboarding")
	require.NoError(t, err)

	_, err = svc.Unpublish(t.Context(), "acme", "onboarding")
	require.ErrorIs(t, err, ErrNotPublished)

	next, err := svc.SaveDraft(t.Context(), draft())
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)

	assert.Equal(t, []string{"acme", "acme", "acme", "acme"}, changed)
}

func TestPublishingService_RejectsInvalidDraft(t *testing.T) {
	store := memory.NewPersistence()
	svc := NewPublishingService(slog.Default(), store, NewValidator(expression.NewEvaluator(time.Second), nil))

	def := draft()
	def.Steps[1].Next = "nowhere"

	_, err := svc.SaveDraft(t.Context(), def)
	require.NoError(t, err, "drafts only need their fields")

	_, err = svc.Publish(t.Context(), "acme", "onboarding")
	require.ErrorIs(t, err, ErrInvalidDefinition)

	stored, err := store.Definition(t.Context(), "acme", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDraft, stored.Status)
}
