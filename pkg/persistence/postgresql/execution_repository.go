package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/lib/pq"
)

// ExecutionRepository handles workflow and step execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id, tenant_id, definition_id, definition_version, execution_key, status,
	current_step_id, variables, trigger_type, trigger_data, progress,
	completed_steps, total_steps, attempt, started_at, completed_at, updated_at,
	error, cancel_requested, suspend_requested, suspend_reason, resume_at,
	resuming, resume_input, parent_execution_id, parent_step_id, actor, step_attempt, version
`

type executionJSON struct {
	variables   []byte
	triggerData []byte
	errorDetail []byte
	resumeInput []byte
}

func marshalExecution(execution *models.WorkflowExecution) (*executionJSON, error) {
	var (
		out executionJSON
		err error
	)

	if out.variables, err = toJSONB(execution.Variables); err != nil {
		return nil, err
	}

	if out.triggerData, err = toJSONB(execution.TriggerData); err != nil {
		return nil, err
	}

	if execution.Error != nil {
		if out.errorDetail, err = toJSONB(execution.Error); err != nil {
			return nil, err
		}
	}

	if out.resumeInput, err = toJSONB(execution.ResumeInput); err != nil {
		return nil, err
	}

	return &out, nil
}

// Create inserts the execution; on an idempotency key collision it returns the stored one.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, bool, error) {
	data, err := marshalExecution(execution)
	if err != nil {
		return nil, false, err
	}

	query := `INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, 1)
		ON CONFLICT (tenant_id, definition_id, execution_key) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.TenantID,
		execution.DefinitionID,
		execution.DefinitionVersion,
		execution.ExecutionKey,
		execution.Status,
		execution.CurrentStepID,
		data.variables,
		execution.TriggerType,
		data.triggerData,
		execution.Progress,
		execution.CompletedSteps,
		execution.TotalSteps,
		execution.Attempt,
		execution.StartedAt,
		execution.CompletedAt,
		execution.UpdatedAt,
		data.errorDetail,
		execution.CancelRequested,
		execution.SuspendRequested,
		execution.SuspendReason,
		execution.ResumeAt,
		execution.Resuming,
		data.resumeInput,
		execution.ParentExecutionID,
		execution.ParentStepID,
		execution.Actor,
		execution.StepAttempt,
	)
	if err != nil {
		return nil, false, persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	if affected == 1 {
		stored := execution.Clone()
		stored.Version = 1
		execution.Version = 1

		return stored, true, nil
	}

	existing, err := r.ByKey(ctx, execution.TenantID, execution.DefinitionID, execution.ExecutionKey)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

func (r *ExecutionRepository) ByKey(ctx context.Context, tenantID, definitionID, key string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE tenant_id = $1 AND definition_id = $2 AND execution_key = $3`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, tenantID, definitionID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByKey", key, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByKey", key, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ByID(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE tenant_id = $1 AND id = $2`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return execution, nil
}

// Save performs a versioned update and bumps execution.Version on success.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	data, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_executions SET
			status = $3,
			current_step_id = $4,
			variables = $5,
			progress = $6,
			completed_steps = $7,
			total_steps = $8,
			attempt = $9,
			completed_at = $10,
			updated_at = $11,
			error = $12,
			cancel_requested = $13,
			suspend_requested = $14,
			suspend_reason = $15,
			resume_at = $16,
			resuming = $17,
			resume_input = $18,
			actor = $19,
			step_attempt = $20,
			version = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $21
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.TenantID,
		execution.ID,
		execution.Status,
		execution.CurrentStepID,
		data.variables,
		execution.Progress,
		execution.CompletedSteps,
		execution.TotalSteps,
		execution.Attempt,
		execution.CompletedAt,
		execution.UpdatedAt,
		data.errorDetail,
		execution.CancelRequested,
		execution.SuspendRequested,
		execution.SuspendReason,
		execution.ResumeAt,
		execution.Resuming,
		data.resumeInput,
		execution.Actor,
		execution.StepAttempt,
		execution.Version,
	)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	if affected == 0 {
		if _, err := r.ByID(ctx, execution.TenantID, execution.ID); err != nil {
			return err
		}

		return &persistence.ExecutionError{
			Op:          "SaveExecution",
			ExecutionID: execution.ID,
			Err:         persistence.ErrConcurrentModification,
			Message:     fmt.Sprintf("version %d is stale", execution.Version),
		}
	}

	execution.Version++

	return nil
}

func (r *ExecutionRepository) ByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = ANY($1)
		ORDER BY started_at ASC`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution models.WorkflowExecution
		data      executionJSON
	)

	err := row.Scan(
		&execution.ID,
		&execution.TenantID,
		&execution.DefinitionID,
		&execution.DefinitionVersion,
		&execution.ExecutionKey,
		&execution.Status,
		&execution.CurrentStepID,
		&data.variables,
		&execution.TriggerType,
		&data.triggerData,
		&execution.Progress,
		&execution.CompletedSteps,
		&execution.TotalSteps,
		&execution.Attempt,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.UpdatedAt,
		&data.errorDetail,
		&execution.CancelRequested,
		&execution.SuspendRequested,
		&execution.SuspendReason,
		&execution.ResumeAt,
		&execution.Resuming,
		&data.resumeInput,
		&execution.ParentExecutionID,
		&execution.ParentStepID,
		&execution.Actor,
		&execution.StepAttempt,
		&execution.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSONB(data.variables, &execution.Variables); err != nil {
		return nil, err
	}

	if err := fromJSONB(data.triggerData, &execution.TriggerData); err != nil {
		return nil, err
	}

	if err := fromJSONB(data.errorDetail, &execution.Error); err != nil {
		return nil, err
	}

	if err := fromJSONB(data.resumeInput, &execution.ResumeInput); err != nil {
		return nil, err
	}

	return &execution, nil
}

// SaveStep upserts one attempt; the database assigns the creation sequence.
func (r *ExecutionRepository) SaveStep(ctx context.Context, step *models.StepExecution) error {
	inputJSON, err := toJSONB(step.Input)
	if err != nil {
		return err
	}

	outputJSON, err := toJSONB(step.Output)
	if err != nil {
		return err
	}

	var errorJSON []byte
	if step.Error != nil {
		if errorJSON, err = toJSONB(step.Error); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO step_executions (
			id, tenant_id, execution_id, step_id, step_kind, status, attempt,
			input, output, error, discarded, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			discarded = EXCLUDED.discarded,
			completed_at = EXCLUDED.completed_at
		RETURNING sequence
	`

	err = r.db.QueryRowContext(ctx, query,
		step.ID,
		step.TenantID,
		step.ExecutionID,
		step.StepID,
		step.StepKind,
		step.Status,
		step.Attempt,
		inputJSON,
		outputJSON,
		errorJSON,
		step.Discarded,
		step.StartedAt,
		step.CompletedAt,
	).Scan(&step.Sequence)
	if err != nil {
		return fmt.Errorf("failed to save step execution %s: %w", step.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Steps(ctx context.Context, tenantID, executionID string) ([]*models.StepExecution, error) {
	query := `
		SELECT id, tenant_id, execution_id, step_id, step_kind, status, attempt, sequence,
			input, output, error, discarded, started_at, completed_at
		FROM step_executions
		WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.StepExecution, 0)

	for rows.Next() {
		var (
			step                              models.StepExecution
			inputJSON, outputJSON, errorJSON []byte
		)

		err := rows.Scan(
			&step.ID,
			&step.TenantID,
			&step.ExecutionID,
			&step.StepID,
			&step.StepKind,
			&step.Status,
			&step.Attempt,
			&step.Sequence,
			&inputJSON,
			&outputJSON,
			&errorJSON,
			&step.Discarded,
			&step.StartedAt,
			&step.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		if err := fromJSONB(inputJSON, &step.Input); err != nil {
			return nil, err
		}

		if err := fromJSONB(outputJSON, &step.Output); err != nil {
			return nil, err
		}

		if err := fromJSONB(errorJSON, &step.Error); err != nil {
			return nil, err
		}

		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return steps, nil
}
