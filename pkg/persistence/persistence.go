// Package persistence provides the storage contracts of the execution engine.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowengine/pkg/models"
)

// DefinitionStore is the read-only view of definitions and rules consumed by the engine.
type DefinitionStore interface {
	// PublishedDefinition returns ErrDefinitionNotFound for unknown, draft or unpublished definitions.
	PublishedDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error)
	// DefinitionVersion returns the published snapshot of one version. Snapshots
	// outlive unpublishing and later drafts, so running executions keep the steps
	// they started with.
	DefinitionVersion(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error)
	// DefinitionsByTrigger returns published definitions whose trigger listens to eventType.
	DefinitionsByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error)
	// ActiveRules returns active rules ordered by priority desc, then creation asc.
	ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error)
}

// DefinitionAuthoring writes definitions and rules. Only the publishing service and
// the validate command use it.
type DefinitionAuthoring interface {
	// Definition returns the current record whatever its status.
	Definition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error)
	SaveDefinition(ctx context.Context, definition *models.WorkflowDefinition) error
	SaveRule(ctx context.Context, rule *models.BusinessRule) error
	Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
	Rules(ctx context.Context) ([]*models.BusinessRule, error)
}

type ExecutionRepository interface {
	// CreateExecution inserts the execution unless one already exists for
	// (tenant, definition, execution key); in that case the existing record is
	// returned with created=false.
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, bool, error)
	ExecutionByID(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error)
	// ExecutionByKey returns the execution created for (tenant, definition, execution key).
	ExecutionByKey(ctx context.Context, tenantID, definitionID, key string) (*models.WorkflowExecution, error)
	// SaveExecution persists the execution if its Version matches the stored one and
	// bumps Version. A stale Version yields ErrConcurrentModification.
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error)
}

type StepExecutionRepository interface {
	// SaveStepExecution upserts by id. A zero Sequence is assigned on first insert.
	SaveStepExecution(ctx context.Context, step *models.StepExecution) error
	// StepExecutions returns every attempt of an execution in creation order.
	StepExecutions(ctx context.Context, tenantID, executionID string) ([]*models.StepExecution, error)
}

type RuleExecutionRepository interface {
	SaveRuleExecution(ctx context.Context, execution *models.RuleExecution) error
	RuleExecutions(ctx context.Context, tenantID, eventID string) ([]*models.RuleExecution, error)
	// RecordRuleOutcome atomically bumps the counters of a rule and returns the new totals.
	RecordRuleOutcome(ctx context.Context, tenantID, ruleID string, failed bool, at time.Time) (*models.RuleStats, error)
	FlagRule(ctx context.Context, tenantID, ruleID string, flagged bool) error
	RuleStats(ctx context.Context, tenantID, ruleID string) (*models.RuleStats, error)
}

// AuditLog is the append-only execution log.
type AuditLog interface {
	// Append assigns the entry sequence and stores it.
	Append(ctx context.Context, entry *models.AuditEntry) error
	Entries(ctx context.Context, tenantID, executionID string) ([]*models.AuditEntry, error)
}

// Lease is the time bounded right of one worker to advance one execution.
type Lease struct {
	ExecutionID string
	Owner       string
	ExpiresAt   time.Time
}

// LeaseRepository implements compare-and-swap leases. Acquire succeeds when no lease
// exists, the caller already owns it, or the current one expired.
type LeaseRepository interface {
	AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*Lease, error)
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, executionID, owner string) error
	// CurrentLease returns nil when no unexpired lease exists.
	CurrentLease(ctx context.Context, executionID string) (*Lease, error)
}

type Persistence interface {
	DefinitionStore
	DefinitionAuthoring
	ExecutionRepository
	StepExecutionRepository
	RuleExecutionRepository
	AuditLog
	LeaseRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
