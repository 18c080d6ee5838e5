package expression_test

import (
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dealEvent() map[string]any {
	event := &models.DomainEvent{
		ID:         "evt-1",
		TenantID:   "acme",
		EntityType: "Deal",
		EntityID:   "deal-42",
		Trigger:    "STAGE_CHANGED",
		Snapshot: map[string]any{
			"stage":  "negotiation",
			"amount": float64(15000),
			"owner":  map[string]any{"name": "ana", "tags": []any{"vip"}},
		},
	}

	return event.Data()
}

func TestStarlarkConditions(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(time.Second)

	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"empty expression matches", "", true},
		{"snapshot field as global", `stage == "negotiation"`, true},
		{"numeric comparison", "amount > 10000", true},
		{"numeric comparison false", "amount > 20000", false},
		{"nested dict access", `owner["name"] == "ana"`, true},
		{"membership", `"vip" in owner["tags"]`, true},
		{"event dict", `event["trigger"] == "STAGE_CHANGED" and event["entity_type"] == "Deal"`, true},
		{"truthiness of value", "owner", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{
				Language:   models.ConditionLanguageStarlark,
				Expression: tt.expression,
			}, dealEvent())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestStarlarkIsDefaultLanguage(t *testing.T) {
	t.Parallel()

	result, err := expression.NewEvaluator(time.Second).Evaluate(t.Context(),
		models.ConditionExpression{Expression: "amount == 15000"}, dealEvent())
	require.NoError(t, err)
	assert.True(t, result)
}

func TestStarlarkErrors(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(time.Second)

	_, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{Expression: "stage =="}, dealEvent())
	require.ErrorIs(t, err, expression.ErrInvalidExpression)
	assert.False(t, expression.IsTimeout(err))

	_, err = evaluator.Evaluate(t.Context(), models.ConditionExpression{Expression: "missing_field > 1"}, dealEvent())
	require.ErrorIs(t, err, expression.ErrInvalidExpression)

	_, err = evaluator.Evaluate(t.Context(), models.ConditionExpression{Expression: `load("x.star", "y")`}, dealEvent())
	require.Error(t, err)
}

func TestStarlarkTimeout(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(5 * time.Millisecond)

	_, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{
		Expression: "len([x for x in range(100000000)]) > 0",
	}, dealEvent())
	require.ErrorIs(t, err, expression.ErrConditionTimeout)
	assert.True(t, expression.IsTimeout(err))
}

func TestStarlarkStepLimit(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(time.Minute, expression.WithMaxSteps(100))

	_, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{
		Expression: "len([x for x in range(10000)]) > 0",
	}, dealEvent())
	require.ErrorIs(t, err, expression.ErrConditionTimeout)
}

func TestSimpleConditions(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(time.Second)

	tests := []struct {
		expression string
		expected   bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{"1", true},
		{"0", false},
		{"stage", true},
		{"missing", false},
		{"!missing", true},
		{`stage == "negotiation"`, true},
		{"amount == 15000", true},
		{"amount != 15000", false},
		{"owner.name == ana", true},
		{"owner.tags", true},
		{"event.entity_id == \"deal-42\"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			result, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{
				Language:   models.ConditionLanguageSimple,
				Expression: tt.expression,
			}, dealEvent())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(time.Second)

	_, err := evaluator.Evaluate(t.Context(), models.ConditionExpression{Language: "cel", Expression: "true"}, nil)
	require.ErrorIs(t, err, expression.ErrUnsupportedLanguage)

	require.ErrorIs(t, evaluator.Validate(models.ConditionExpression{Language: "cel"}), expression.ErrUnsupportedLanguage)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	evaluator := expression.NewEvaluator(0)
	assert.Equal(t, expression.DefaultTimeout, evaluator.Timeout())

	require.NoError(t, evaluator.Validate(models.ConditionExpression{Expression: "amount > 1 and stage != 'won'"}))
	require.ErrorIs(t, evaluator.Validate(models.ConditionExpression{Expression: "amount >"}), expression.ErrInvalidExpression)
	require.NoError(t, evaluator.Validate(models.ConditionExpression{Language: "simple", Expression: "a.b == 1"}))
	require.Error(t, evaluator.Validate(models.ConditionExpression{Language: "simple", Expression: "== 1"}))
}
