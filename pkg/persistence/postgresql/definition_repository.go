package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
)

// DefinitionRepository handles workflow definition and business rule queries.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const definitionColumns = `
	tenant_id
  , id
  , name
  , version
  , status
  , steps
  , trigger
  , variable_schema
  , created_at
  , published_at
`

func (r *DefinitionRepository) Published(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2 AND status = 'published'`

	def, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("PublishedDefinition", tenantID, id, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to get definition %s: %w", id, err)
	}

	return def, nil
}

// ByID returns the definition whatever its status.
func (r *DefinitionRepository) ByID(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2`

	def, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("Definition", tenantID, id, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to get definition %s: %w", id, err)
	}

	return def, nil
}

// Version returns the snapshot taken when version was published.
func (r *DefinitionRepository) Version(ctx context.Context, tenantID, id string, version int) (*models.WorkflowDefinition, error) {
	query := `SELECT
		tenant_id
	  , id
	  , name
	  , version
	  , 'published'
	  , steps
	  , trigger
	  , variable_schema
	  , created_at
	  , published_at
		FROM workflow_definition_versions
		WHERE tenant_id = $1 AND id = $2 AND version = $3`

	def, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, tenantID, id, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("DefinitionVersion", tenantID, id, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to get definition %s version %d: %w", id, version, err)
	}

	return def, nil
}

func (r *DefinitionRepository) ByTrigger(ctx context.Context, tenantID, eventType string) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE tenant_id = $1 AND trigger_event_type = $2 AND status = 'published'
		ORDER BY created_at ASC`

	return r.queryDefinitions(ctx, query, tenantID, eventType)
}

func (r *DefinitionRepository) All(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		ORDER BY tenant_id, created_at ASC`

	return r.queryDefinitions(ctx, query)
}

// SaveDefinition upserts the current record. Publishing also stores the version
// snapshot, which later saves never overwrite.
func (r *DefinitionRepository) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) (err error) {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	stepsJSON, err := toJSONB(def.Steps)
	if err != nil {
		return err
	}

	triggerJSON, err := toJSONB(def.Trigger)
	if err != nil {
		return err
	}

	schemaJSON, err := toJSONB(def.VariableSchema)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO workflow_definitions (
			tenant_id, id, name, version, status, steps, trigger_event_type,
			trigger, variable_schema, created_at, published_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			trigger_event_type = EXCLUDED.trigger_event_type,
			trigger = EXCLUDED.trigger,
			variable_schema = EXCLUDED.variable_schema,
			published_at = EXCLUDED.published_at
	`

	_, err = tx.ExecContext(ctx, query,
		def.TenantID,
		def.ID,
		def.Name,
		def.Version,
		def.Status,
		stepsJSON,
		def.Trigger.EventType,
		triggerJSON,
		schemaJSON,
		def.CreatedAt,
		def.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}

	if def.IsPublished() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_definition_versions (
				tenant_id, id, version, name, steps, trigger, variable_schema, created_at, published_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, id, version) DO NOTHING`,
			def.TenantID,
			def.ID,
			def.Version,
			def.Name,
			stepsJSON,
			triggerJSON,
			schemaJSON,
			def.CreatedAt,
			def.PublishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save definition %s version %d: %w", def.ID, def.Version, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func (r *DefinitionRepository) scanDefinition(row scanner) (*models.WorkflowDefinition, error) {
	var (
		def         models.WorkflowDefinition
		stepsJSON   []byte
		triggerJSON []byte
		schemaJSON  []byte
	)

	err := row.Scan(
		&def.TenantID,
		&def.ID,
		&def.Name,
		&def.Version,
		&def.Status,
		&stepsJSON,
		&triggerJSON,
		&schemaJSON,
		&def.CreatedAt,
		&def.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSONB(stepsJSON, &def.Steps); err != nil {
		return nil, err
	}

	if err := fromJSONB(triggerJSON, &def.Trigger); err != nil {
		return nil, err
	}

	if err := fromJSONB(schemaJSON, &def.VariableSchema); err != nil {
		return nil, err
	}

	return &def, nil
}

const ruleColumns = `
	tenant_id
  , id
  , name
  , rule_type
  , entity_type
  , trigger
  , condition
  , actions
  , active
  , priority
  , created_at
`

func (r *DefinitionRepository) ActiveRules(ctx context.Context, tenantID, entityType string) ([]*models.BusinessRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM business_rules
		WHERE tenant_id = $1 AND entity_type = $2 AND active
		ORDER BY priority DESC, created_at ASC, id ASC`

	return r.queryRules(ctx, query, tenantID, entityType)
}

func (r *DefinitionRepository) AllRules(ctx context.Context) ([]*models.BusinessRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM business_rules
		ORDER BY priority DESC, created_at ASC, id ASC`

	return r.queryRules(ctx, query)
}

func (r *DefinitionRepository) SaveRule(ctx context.Context, rule *models.BusinessRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	conditionJSON, err := toJSONB(rule.Condition)
	if err != nil {
		return err
	}

	actionsJSON, err := toJSONB(rule.Actions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO business_rules (
			tenant_id, id, name, rule_type, entity_type, trigger,
			condition, actions, active, priority, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			rule_type = EXCLUDED.rule_type,
			entity_type = EXCLUDED.entity_type,
			trigger = EXCLUDED.trigger,
			condition = EXCLUDED.condition,
			actions = EXCLUDED.actions,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.TenantID,
		rule.ID,
		rule.Name,
		rule.RuleType,
		rule.EntityType,
		rule.Trigger,
		conditionJSON,
		actionsJSON,
		rule.Active,
		rule.Priority,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) queryRules(ctx context.Context, query string, args ...any) ([]*models.BusinessRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.BusinessRule, 0)

	for rows.Next() {
		var (
			rule          models.BusinessRule
			conditionJSON []byte
			actionsJSON   []byte
		)

		err := rows.Scan(
			&rule.TenantID,
			&rule.ID,
			&rule.Name,
			&rule.RuleType,
			&rule.EntityType,
			&rule.Trigger,
			&conditionJSON,
			&actionsJSON,
			&rule.Active,
			&rule.Priority,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		if err := fromJSONB(conditionJSON, &rule.Condition); err != nil {
			return nil, err
		}

		if err := fromJSONB(actionsJSON, &rule.Actions); err != nil {
			return nil, err
		}

		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}
