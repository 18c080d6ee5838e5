package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/models"
)

// RuleRepository handles rule execution records and rule counters.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRuleRepository(db *sql.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

func (r *RuleRepository) Save(ctx context.Context, execution *models.RuleExecution) error {
	var (
		errorJSON []byte
		err       error
	)

	if execution.Error != nil {
		if errorJSON, err = toJSONB(execution.Error); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO rule_executions (
			id, tenant_id, rule_id, rule_name, priority, event_id, entity_type, entity_id,
			trigger, status, sequence, evaluated_at, completed_at, duration_ms,
			actions_executed, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.TenantID,
		execution.RuleID,
		execution.RuleName,
		execution.Priority,
		execution.EventID,
		execution.EntityType,
		execution.EntityID,
		execution.Trigger,
		execution.Status,
		execution.Sequence,
		execution.EvaluatedAt,
		execution.CompletedAt,
		execution.DurationMs,
		execution.ActionsExecuted,
		errorJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule execution %s: %w", execution.ID, err)
	}

	return nil
}

func (r *RuleRepository) ByEvent(ctx context.Context, tenantID, eventID string) ([]*models.RuleExecution, error) {
	query := `
		SELECT id, tenant_id, rule_id, rule_name, priority, event_id, entity_type, entity_id,
			trigger, status, sequence, evaluated_at, completed_at, duration_ms,
			actions_executed, error
		FROM rule_executions
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.RuleExecution, 0)

	for rows.Next() {
		var (
			execution models.RuleExecution
			errorJSON []byte
		)

		err := rows.Scan(
			&execution.ID,
			&execution.TenantID,
			&execution.RuleID,
			&execution.RuleName,
			&execution.Priority,
			&execution.EventID,
			&execution.EntityType,
			&execution.EntityID,
			&execution.Trigger,
			&execution.Status,
			&execution.Sequence,
			&execution.EvaluatedAt,
			&execution.CompletedAt,
			&execution.DurationMs,
			&execution.ActionsExecuted,
			&errorJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule execution: %w", err)
		}

		if err := fromJSONB(errorJSON, &execution.Error); err != nil {
			return nil, err
		}

		executions = append(executions, &execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule executions: %w", err)
	}

	return executions, nil
}

// RecordOutcome increments the counters in one statement so concurrent evaluators never lose updates.
func (r *RuleRepository) RecordOutcome(ctx context.Context, tenantID, ruleID string, failed bool, at time.Time) (*models.RuleStats, error) {
	success, failure := 1, 0
	if failed {
		success, failure = 0, 1
	}

	query := `
		INSERT INTO rule_stats (tenant_id, rule_id, execution_count, success_count, failure_count, last_evaluated_at)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
			execution_count = rule_stats.execution_count + 1,
			success_count = rule_stats.success_count + EXCLUDED.success_count,
			failure_count = rule_stats.failure_count + EXCLUDED.failure_count,
			last_evaluated_at = EXCLUDED.last_evaluated_at
		RETURNING tenant_id, rule_id, execution_count, success_count, failure_count, flagged, last_evaluated_at
	`

	stats, err := scanStats(r.db.QueryRowContext(ctx, query, tenantID, ruleID, success, failure, at))
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome of rule %s: %w", ruleID, err)
	}

	return stats, nil
}

func (r *RuleRepository) Flag(ctx context.Context, tenantID, ruleID string, flagged bool) error {
	query := `
		INSERT INTO rule_stats (tenant_id, rule_id, flagged)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, rule_id) DO UPDATE SET flagged = EXCLUDED.flagged
	`

	_, err := r.db.ExecContext(ctx, query, tenantID, ruleID, flagged)
	if err != nil {
		return fmt.Errorf("failed to flag rule %s: %w", ruleID, err)
	}

	return nil
}

func (r *RuleRepository) Stats(ctx context.Context, tenantID, ruleID string) (*models.RuleStats, error) {
	query := `
		SELECT tenant_id, rule_id, execution_count, success_count, failure_count, flagged, last_evaluated_at
		FROM rule_stats
		WHERE tenant_id = $1 AND rule_id = $2
	`

	stats, err := scanStats(r.db.QueryRowContext(ctx, query, tenantID, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.RuleStats{TenantID: tenantID, RuleID: ruleID}, nil
		}

		return nil, fmt.Errorf("failed to get stats of rule %s: %w", ruleID, err)
	}

	return stats, nil
}

func scanStats(row scanner) (*models.RuleStats, error) {
	var stats models.RuleStats

	err := row.Scan(
		&stats.TenantID,
		&stats.RuleID,
		&stats.ExecutionCount,
		&stats.SuccessCount,
		&stats.FailureCount,
		&stats.Flagged,
		&stats.LastEvaluatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}
