package trigger_test

import (
	"log/slog"
	"testing"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func definition(id string, spec models.TriggerSpec) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       id,
		TenantID: "acme",
		Name:     id,
		Version:  1,
		Status:   models.DefinitionStatusPublished,
		Trigger:  spec,
	}
}

func TestMatcher_Match(t *testing.T) {
	matcher := trigger.NewMatcher(slog.Default())

	event := &models.DomainEvent{
		ID:         "evt-1",
		TenantID:   "acme",
		EntityType: "Deal",
		EntityID:   "deal-42",
		Trigger:    "STAGE_CHANGED",
		Snapshot: map[string]any{
			"stage":  "won",
			"amount": 15000,
			"owner":  map[string]any{"team": "emea"},
		},
	}

	unpublished := definition("unpublished", models.TriggerSpec{EventType: "STAGE_CHANGED"})
	unpublished.Status = models.DefinitionStatusUnpublished

	otherTenant := definition("other-tenant", models.TriggerSpec{EventType: "STAGE_CHANGED"})
	otherTenant.TenantID = "globex"

	definitions := []*models.WorkflowDefinition{
		definition("any-entity", models.TriggerSpec{EventType: "STAGE_CHANGED"}),
		definition("filtered", models.TriggerSpec{
			EventType:  "STAGE_CHANGED",
			EntityType: "Deal",
			Filter:     map[string]any{"stage": "won", "amount": 15000.0, "owner.team": []any{"emea", "apac"}},
		}),
		definition("wrong-stage", models.TriggerSpec{
			EventType: "STAGE_CHANGED",
			Filter:    map[string]any{"stage": "lost"},
		}),
		definition("wrong-entity", models.TriggerSpec{EventType: "STAGE_CHANGED", EntityType: "Contact"}),
		definition("wrong-event", models.TriggerSpec{EventType: "CREATED"}),
		definition("no-trigger", models.TriggerSpec{}),
		unpublished,
		otherTenant,
	}

	results := matcher.Match(event, definitions)
	require.Len(t, results, 2)

	assert.Equal(t, "filtered", results[0].Definition.ID, "more specific triggers rank first")
	assert.Equal(t, "any-entity", results[1].Definition.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMatcher_MissingFilterPath(t *testing.T) {
	matcher := trigger.NewMatcher(slog.Default())

	event := &models.DomainEvent{ID: "evt-1", TenantID: "acme", EntityType: "Deal", Trigger: "CREATED"}

	results := matcher.Match(event, []*models.WorkflowDefinition{
		definition("needs-region", models.TriggerSpec{EventType: "CREATED", Filter: map[string]any{"region": "emea"}}),
		definition("event-field", models.TriggerSpec{EventType: "CREATED", Filter: map[string]any{"event.entity_type": "Deal"}}),
	})

	require.Len(t, results, 1)
	assert.Equal(t, "event-field", results[0].Definition.ID)
}

func TestExecutionKey(t *testing.T) {
	assert.Equal(t, "event:evt-1:onboarding", trigger.ExecutionKey("evt-1", "onboarding"))
}
