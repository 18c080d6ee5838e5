package startworkflow_test

import (
	"log/slog"
	"testing"

	"github.com/dukex/flowengine/pkg/actions/startworkflow"
	"github.com/dukex/flowengine/pkg/mocks"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAction_Execute(t *testing.T) {
	starter := &mocks.MockStarter{}
	starter.On("Start", mock.Anything, mock.MatchedBy(func(req models.StartRequest) bool {
		return req.TenantID == "acme" &&
			req.DefinitionID == "onboarding" &&
			req.ExecutionKey == "rule:r1:evt-1" &&
			req.Variables["owner"] == "ana" &&
			req.Actor == "rule:r1"
	})).Return(&models.ExecutionHandle{
		ExecutionID: "exec-1", Status: models.ExecutionStatusPending, Created: true,
	}, nil).Once()

	factory := startworkflow.NewActionFactory(starter)
	assert.Equal(t, "start_workflow", factory.ID())

	action, err := factory.Create(map[string]any{
		"definition_id": "onboarding",
		"variables":     map[string]any{"owner": "ana"},
	})
	require.NoError(t, err)

	result, err := action.Execute(t.Context(), protocol.ActionInput{
		Event: &models.DomainEvent{ID: "evt-1", TenantID: "acme", EntityType: "Deal"},
		Rule:  &models.BusinessRule{ID: "r1"},
	}, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "exec-1", result["execution_id"])
	assert.Equal(t, true, result["created"])
	starter.AssertExpectations(t)
}

func TestAction_RequiresEventAndRule(t *testing.T) {
	action, err := startworkflow.NewAction(map[string]any{"definition_id": "onboarding"}, &mocks.MockStarter{})
	require.NoError(t, err)

	_, err = action.Execute(t.Context(), protocol.ActionInput{}, slog.Default())
	require.Error(t, err)
}

func TestNewAction_MissingDefinition(t *testing.T) {
	_, err := startworkflow.NewAction(map[string]any{}, nil)
	require.ErrorIs(t, err, startworkflow.ErrMissingDefinition)
}
