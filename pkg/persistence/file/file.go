// Package file provides file-based persistence for definitions, rules and execution snapshots.
//
// Layout under the root directory:
//
//	definitions/<tenant>/<id>.json
//	rules/<tenant>/<id>.json
//	executions/<tenant>/<id>.json    execution record plus its step attempts
//
// Rule executions, audit entries and leases live in memory only.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/persistence/memory"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	*memory.Persistence

	root           string
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
}

// NewPersistence creates a file persistence rooted at root and restores saved executions.
func NewPersistence(ctx context.Context, root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	fp := &Persistence{
		Persistence:    memory.NewPersistence(),
		root:           cleanRoot,
		definitionRepo: NewDefinitionRepository(cleanRoot),
		executionRepo:  NewExecutionRepository(cleanRoot),
	}

	snapshots, err := fp.executionRepo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore executions: %w", err)
	}

	for _, snapshot := range snapshots {
		fp.Restore(snapshot.Execution, snapshot.Steps)
	}

	return fp, nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) PublishedDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := fp.definitionRepo.Definition(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if def == nil || !def.IsPublished() {
		return nil, persistence.NewDefinitionError("PublishedDefinition", tenantID, id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

func (fp *Persistence) Definition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := fp.definitionRepo.Definition(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if def == nil {
		return nil, persistence.NewDefinitionError("Definition", tenantID, id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

func (fp *Persistence) DefinitionVersion(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	def, err := fp.definitionRepo.Version(ctx, tenantID, id, version)
	if err != nil {
		return nil, err
	}

	if def == nil {
		return nil, persistence.NewDefinitionError("DefinitionVersion", tenantID, id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

func (fp *Persistence) DefinitionsByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	defs, err := fp.definitionRepo.TenantDefinitions(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowDefinition, 0, len(defs))

	for _, def := range defs {
		if def.IsPublished() && def.Trigger.EventType == eventType {
			result = append(result, def)
		}
	}

	return result, nil
}

func (fp *Persistence) ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	rules, err := fp.definitionRepo.TenantRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := make([]*models.BusinessRule, 0, len(rules))

	for _, rule := range rules {
		if rule.Active && rule.EntityType == entityType {
			result = append(result, rule)
		}
	}

	persistence.SortRules(result)

	return result, nil
}

func (fp *Persistence) SaveDefinition(ctx context.Context, definition *models.WorkflowDefinition) error {
	return fp.definitionRepo.SaveDefinition(ctx, definition)
}

func (fp *Persistence) SaveRule(ctx context.Context, rule *models.BusinessRule) error {
	return fp.definitionRepo.SaveRule(ctx, rule)
}

func (fp *Persistence) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return fp.definitionRepo.AllDefinitions(ctx)
}

func (fp *Persistence) Rules(ctx context.Context) ([]*models.BusinessRule, error) {
	rules, err := fp.definitionRepo.AllRules(ctx)
	if err != nil {
		return nil, err
	}

	persistence.SortRules(rules)

	return rules, nil
}

func (fp *Persistence) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, bool, error) {
	stored, created, err := fp.Persistence.CreateExecution(ctx, execution)
	if err != nil || !created {
		return stored, created, err
	}

	return stored, created, fp.snapshot(ctx, stored.TenantID, stored.ID)
}

func (fp *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	if err := fp.Persistence.SaveExecution(ctx, execution); err != nil {
		return err
	}

	return fp.snapshot(ctx, execution.TenantID, execution.ID)
}

func (fp *Persistence) SaveStepExecution(ctx context.Context, step *models.StepExecution) error {
	if err := fp.Persistence.SaveStepExecution(ctx, step); err != nil {
		return err
	}

	err := fp.snapshot(ctx, step.TenantID, step.ExecutionID)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		// attempts of an unknown execution are kept in memory only
		return nil
	}

	return err
}

func (fp *Persistence) snapshot(ctx context.Context, tenantID, executionID string) error {
	execution, err := fp.ExecutionByID(ctx, tenantID, executionID)
	if err != nil {
		return err
	}

	steps, err := fp.StepExecutions(ctx, tenantID, executionID)
	if err != nil {
		return err
	}

	return fp.executionRepo.Save(ctx, &ExecutionSnapshot{Execution: execution, Steps: steps})
}
