package registry_test

import (
	"log/slog"
	"testing"

	logaction "github.com/dukex/flowengine/pkg/actions/log"
	"github.com/dukex/flowengine/pkg/mocks"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndCreateAction(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAction(logaction.NewActionFactory())

	factory := &mocks.MockActionFactory{Type: "custom"}
	factory.On("Create", map[string]any{}).Return(&mocks.MockAction{}, nil).Once()
	reg.RegisterAction(factory)

	assert.True(t, reg.HasAction("log"))
	assert.Equal(t, []string{"custom", "log"}, reg.ActionTypes())

	action, err := reg.CreateAction("log", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.IsType(t, &logaction.Action{}, action)

	// nil configs reach factories as empty maps
	_, err = reg.CreateAction("custom", nil)
	require.NoError(t, err)
	factory.AssertExpectations(t)
}

func TestRegistry_UnknownAction(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())

	_, err := reg.CreateAction("missing", nil)
	require.ErrorIs(t, err, registry.ErrActionNotRegistered)
	assert.False(t, reg.HasAction("missing"))
}
