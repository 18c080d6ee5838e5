package mocks

import (
	"context"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDefinitionStore is a mock implementation of persistence.DefinitionStore.
type MockDefinitionStore struct {
	mock.Mock
}

func (m *MockDefinitionStore) PublishedDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, tenantID, id)

	definition, _ := args.Get(0).(*models.WorkflowDefinition)

	return definition, args.Error(1)
}

func (m *MockDefinitionStore) DefinitionVersion(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, tenantID, id, version)

	definition, _ := args.Get(0).(*models.WorkflowDefinition)

	return definition, args.Error(1)
}

func (m *MockDefinitionStore) DefinitionsByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx, tenantID, eventType)

	definitions, _ := args.Get(0).([]*models.WorkflowDefinition)

	return definitions, args.Error(1)
}

func (m *MockDefinitionStore) ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	args := m.Called(ctx, tenantID, entityType)

	rules, _ := args.Get(0).([]*models.BusinessRule)

	return rules, args.Error(1)
}
