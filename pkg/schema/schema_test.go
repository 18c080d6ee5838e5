package schema_test

import (
	"testing"

	"github.com/dukex/flowengine/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dealSchema = map[string]any{
	"type":     "object",
	"required": []any{"deal_id"},
	"properties": map[string]any{
		"deal_id": map[string]any{"type": "string"},
		"amount":  map[string]any{"type": "number", "minimum": 0},
	},
}

func TestValidate(t *testing.T) {
	t.Parallel()

	validator := schema.NewValidator()

	tests := []struct {
		name      string
		variables map[string]any
		valid     bool
	}{
		{"valid", map[string]any{"deal_id": "d-1", "amount": float64(10)}, true},
		{"missing required", map[string]any{"amount": float64(10)}, false},
		{"wrong type", map[string]any{"deal_id": 42}, false},
		{"below minimum", map[string]any{"deal_id": "d-1", "amount": float64(-1)}, false},
		{"nil variables", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.Validate("acme/deal/1", dealSchema, tt.variables)
			if tt.valid {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, schema.ErrSchemaViolation)

			var violation *schema.ViolationError
			require.ErrorAs(t, err, &violation)
			assert.NotEmpty(t, violation.Violations)
		})
	}
}

func TestValidateEmptySchema(t *testing.T) {
	t.Parallel()

	require.NoError(t, schema.NewValidator().Validate("k", nil, map[string]any{"anything": true}))
}

func TestCompile(t *testing.T) {
	t.Parallel()

	validator := schema.NewValidator()

	require.NoError(t, validator.Compile(dealSchema))
	require.ErrorIs(t, validator.Compile(map[string]any{"type": 12}), schema.ErrInvalidSchema)
}
