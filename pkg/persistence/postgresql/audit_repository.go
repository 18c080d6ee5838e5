package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/models"
)

// AuditRepository is the append-only execution log table.
type AuditRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAuditRepository(db *sql.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	dataJSON, err := toJSONB(entry.Data)
	if err != nil {
		return err
	}

	owner := entry.ExecutionID
	if owner == "" {
		owner = entry.RuleID
	}

	query := `
		INSERT INTO audit_entries (
			id, tenant_id, owner_id, execution_id, rule_id, kind, from_status, to_status,
			step_id, message, data, actor, at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING sequence
	`

	err = r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.TenantID,
		owner,
		entry.ExecutionID,
		entry.RuleID,
		entry.Kind,
		entry.From,
		entry.To,
		entry.StepID,
		entry.Message,
		dataJSON,
		entry.Actor,
		entry.At,
	).Scan(&entry.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// Entries returns the log of an execution, or of a rule when id is a rule id.
func (r *AuditRepository) Entries(ctx context.Context, tenantID, id string) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, tenant_id, execution_id, rule_id, kind, from_status, to_status,
			step_id, message, data, actor, at, sequence
		FROM audit_entries
		WHERE tenant_id = $1 AND owner_id = $2
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.AuditEntry, 0)

	for rows.Next() {
		var (
			entry    models.AuditEntry
			dataJSON []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.ExecutionID,
			&entry.RuleID,
			&entry.Kind,
			&entry.From,
			&entry.To,
			&entry.StepID,
			&entry.Message,
			&dataJSON,
			&entry.Actor,
			&entry.At,
			&entry.Sequence,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if err := fromJSONB(dataJSON, &entry.Data); err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
