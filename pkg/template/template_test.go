package template

import (
	"testing"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dealExecution() *models.WorkflowExecution {
	return &models.WorkflowExecution{
		ID:           "exec-7",
		TenantID:     "acme",
		DefinitionID: "deal-won",
		Attempt:      2,
		Variables: map[string]any{
			"owner":    "ana",
			"amount":   1250.5,
			"priority": true,
			"tags":     []any{"enterprise", "emea"},
		},
		TriggerData: map[string]any{"deal_id": "deal-42", "stage": "won"},
	}
}

func TestRender_ExecutionData(t *testing.T) {
	results := map[string]any{
		"lookup": map[string]any{
			"status_code": 200,
			"body":        map[string]any{"account": "Globex", "seats": 40},
		},
	}
	data := ExecutionData(dealExecution(), results)

	tests := []struct {
		name     string
		template string
		want     any
	}{
		{"variable", "{{ .vars.owner }}", "ana"},
		{"variables alias", "{{ .variables.owner }}", "ana"},
		{"number decodes as float", "{{ .vars.amount }}", 1250.5},
		{"boolean", "{{ .vars.priority }}", true},
		{"trigger data", "{{ .trigger_data.stage }}", "won"},
		{"step result", "{{ .step_results.lookup.body.account }}", "Globex"},
		{"execution metadata", "{{ .execution.definition_id }}/{{ .execution.attempt }}", "deal-won/2"},
		{"conditional", "{{ if eq .step_results.lookup.status_code 200 }}found{{ else }}missing{{ end }}", "found"},
		{"interpolation", "https://crm.example.test/deals/{{ .trigger_data.deal_id }}/owner/{{ .vars.owner }}",
			"https://crm.example.test/deals/deal-42/owner/ana"},
		{"object", `{"account": "{{ .step_results.lookup.body.account }}", "tags": {{ len .vars.tags }}}`,
			map[string]any{"account": "Globex", "tags": 2.0}},
		{"list", `{{ json .vars.tags }}`, []any{"enterprise", "emea"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_MissingStepResult(t *testing.T) {
	data := ExecutionData(dealExecution(), map[string]any{})

	got, err := Render("{{ .step_results.lookup }}", data)
	require.NoError(t, err)
	assert.Equal(t, "<no value>", got)
}

func TestRender_Errors(t *testing.T) {
	data := ExecutionData(dealExecution(), nil)

	_, err := Render("{ invalid..expression }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ owner.name }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `function "owner" not defined`)

	_, err = Render("{{ .vars.owner", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestRender_Environment(t *testing.T) {
	t.Setenv("FLOWENGINE_TEST_REGION", "eu-west-1")

	got, err := Render("{{ .env.FLOWENGINE_TEST_REGION }}", ExecutionData(dealExecution(), nil))
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got)

	event := &models.DomainEvent{ID: "evt-1", TenantID: "acme", EntityType: "Deal", EntityID: "deal-42"}

	got, err = Render("{{ .env.FLOWENGINE_TEST_REGION }}", EventData(event, nil))
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got)
}

func TestRenderConfig_Nested(t *testing.T) {
	execution := &models.WorkflowExecution{
		ID:          "exec-1",
		TenantID:    "acme",
		Variables:   map[string]any{"owner": "ana", "limit": 10},
		TriggerData: map[string]any{"deal_id": "deal-42"},
	}
	data := ExecutionData(execution, map[string]any{"fetch": map[string]any{"count": 3}})

	config := map[string]any{
		"url":     "https://crm.example.test/deals/{{ .trigger_data.deal_id }}",
		"static":  "no template here",
		"retries": 2,
		"body": map[string]any{
			"owner": "{{ .vars.owner }}",
			"items": []any{"{{ .step_results.fetch.count }}", true},
		},
	}

	rendered, err := RenderConfig(config, data)
	require.NoError(t, err)

	assert.Equal(t, "https://crm.example.test/deals/deal-42", rendered["url"])
	assert.Equal(t, "no template here", rendered["static"])
	assert.Equal(t, 2, rendered["retries"])

	body, ok := rendered["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ana", body["owner"])
	assert.Equal(t, []any{3.0, true}, body["items"])

	// The source config is left untouched.
	assert.Equal(t, "{{ .vars.owner }}", config["body"].(map[string]any)["owner"])
}

func TestRenderConfig_Error(t *testing.T) {
	_, err := RenderConfig(map[string]any{"bad": "{{ .x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field bad")
}

func TestEventData(t *testing.T) {
	event := &models.DomainEvent{
		ID: "evt-1", TenantID: "acme", EntityType: "Deal", EntityID: "deal-42",
		Trigger: "STAGE_CHANGED", Snapshot: map[string]any{"stage": "won"},
	}
	rule := &models.BusinessRule{ID: "r1", Name: "notify", Priority: 10}

	result, err := Render("{{ .rule.name }} {{ .event.entity_id }} {{ .snapshot.stage }}", EventData(event, rule))
	require.NoError(t, err)
	assert.Equal(t, "notify deal-42 won", result)

	assert.NotContains(t, EventData(event, nil), "rule")
}

func TestRenderString_KeepsRawText(t *testing.T) {
	result, err := RenderString("{{ .n }}", map[string]any{"n": "42"})
	require.NoError(t, err)
	assert.Equal(t, "42", result)

	result, err = RenderString(`{{ json .m }}`, map[string]any{"m": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, result)
}
