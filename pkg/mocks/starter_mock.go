package mocks

import (
	"context"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockStarter is a mock of the coordinator's idempotent start operation.
type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, req models.StartRequest) (*models.ExecutionHandle, error) {
	args := m.Called(ctx, req)

	handle, _ := args.Get(0).(*models.ExecutionHandle)

	return handle, args.Error(1)
}
