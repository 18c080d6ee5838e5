package mocks

import (
	"context"
	"log/slog"

	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockAction is a mock implementation of protocol.Action.
type MockAction struct {
	mock.Mock
}

func (m *MockAction) Execute(ctx context.Context, input protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	args := m.Called(ctx, input, logger)

	result, _ := args.Get(0).(map[string]any)

	return result, args.Error(1)
}

// MockActionFactory hands out the same MockAction for every Create call.
type MockActionFactory struct {
	mock.Mock

	Type string
}

func (m *MockActionFactory) ID() string {
	return m.Type
}

func (m *MockActionFactory) Create(config map[string]any) (protocol.Action, error) {
	args := m.Called(config)

	action, _ := args.Get(0).(protocol.Action)

	return action, args.Error(1)
}
