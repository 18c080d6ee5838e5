// Package postgresql provides the PostgreSQL persistence implementation of the engine.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
	ruleRepo       *RuleRepository
	auditRepo      *AuditRepository
	leaseRepo      *LeaseRepository
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		definitionRepo: NewDefinitionRepository(database, logger),
		executionRepo:  NewExecutionRepository(database, logger),
		ruleRepo:       NewRuleRepository(database, logger),
		auditRepo:      NewAuditRepository(database, logger),
		leaseRepo:      NewLeaseRepository(database),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) PublishedDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.Published(ctx, tenantID, id)
}

func (p *Persistence) Definition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.ByID(ctx, tenantID, id)
}

func (p *Persistence) DefinitionVersion(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.Version(ctx, tenantID, id, version)
}

func (p *Persistence) DefinitionsByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	return p.definitionRepo.ByTrigger(ctx, tenantID, eventType)
}

func (p *Persistence) ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	return p.definitionRepo.ActiveRules(ctx, tenantID, entityType)
}

func (p *Persistence) SaveDefinition(ctx context.Context, definition *models.WorkflowDefinition) error {
	return p.definitionRepo.SaveDefinition(ctx, definition)
}

func (p *Persistence) SaveRule(ctx context.Context, rule *models.BusinessRule) error {
	return p.definitionRepo.SaveRule(ctx, rule)
}

func (p *Persistence) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.definitionRepo.All(ctx)
}

func (p *Persistence) Rules(ctx context.Context) ([]*models.BusinessRule, error) {
	return p.definitionRepo.AllRules(ctx)
}

func (p *Persistence) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, bool, error) {
	return p.executionRepo.Create(ctx, execution)
}

func (p *Persistence) ExecutionByID(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	return p.executionRepo.ByID(ctx, tenantID, id)
}

func (p *Persistence) ExecutionByKey(ctx context.Context, tenantID, definitionID, key string) (*models.WorkflowExecution, error) {
	return p.executionRepo.ByKey(ctx, tenantID, definitionID, key)
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.executionRepo.Save(ctx, execution)
}

func (p *Persistence) ExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	return p.executionRepo.ByStatus(ctx, statuses...)
}

func (p *Persistence) SaveStepExecution(ctx context.Context, step *models.StepExecution) error {
	return p.executionRepo.SaveStep(ctx, step)
}

func (p *Persistence) StepExecutions(ctx context.Context, tenantID, executionID string) ([]*models.StepExecution, error) {
	return p.executionRepo.Steps(ctx, tenantID, executionID)
}

func (p *Persistence) SaveRuleExecution(ctx context.Context, execution *models.RuleExecution) error {
	return p.ruleRepo.Save(ctx, execution)
}

func (p *Persistence) RuleExecutions(ctx context.Context, tenantID, eventID string) ([]*models.RuleExecution, error) {
	return p.ruleRepo.ByEvent(ctx, tenantID, eventID)
}

func (p *Persistence) RecordRuleOutcome(ctx context.Context, tenantID, ruleID string, failed bool, at time.Time) (*models.RuleStats, error) {
	return p.ruleRepo.RecordOutcome(ctx, tenantID, ruleID, failed, at)
}

func (p *Persistence) FlagRule(ctx context.Context, tenantID, ruleID string, flagged bool) error {
	return p.ruleRepo.Flag(ctx, tenantID, ruleID, flagged)
}

func (p *Persistence) RuleStats(ctx context.Context, tenantID, ruleID string) (*models.RuleStats, error) {
	return p.ruleRepo.Stats(ctx, tenantID, ruleID)
}

func (p *Persistence) Append(ctx context.Context, entry *models.AuditEntry) error {
	return p.auditRepo.Append(ctx, entry)
}

func (p *Persistence) Entries(ctx context.Context, tenantID, id string) ([]*models.AuditEntry, error) {
	return p.auditRepo.Entries(ctx, tenantID, id)
}

func (p *Persistence) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	return p.leaseRepo.Acquire(ctx, executionID, owner, ttl)
}

func (p *Persistence) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	return p.leaseRepo.Renew(ctx, executionID, owner, ttl)
}

func (p *Persistence) ReleaseLease(ctx context.Context, executionID, owner string) error {
	return p.leaseRepo.Release(ctx, executionID, owner)
}

func (p *Persistence) CurrentLease(ctx context.Context, executionID string) (*persistence.Lease, error) {
	return p.leaseRepo.Current(ctx, executionID)
}

type scanner interface {
	Scan(dest ...any) error
}

// toJSONB marshals v, mapping nil maps to SQL NULL.
func toJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB column: %w", err)
	}

	return data, nil
}

func fromJSONB(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB column: %w", err)
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
