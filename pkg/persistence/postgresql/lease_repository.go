package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/persistence"
)

// LeaseRepository implements execution leases as a compare-and-swap on owner and expiry.
// Expiry is evaluated against the database clock.
type LeaseRepository struct {
	db *sql.DB
}

func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

func (r *LeaseRepository) Acquire(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	query := `
		INSERT INTO execution_leases (execution_id, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		ON CONFLICT (execution_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE execution_leases.owner = EXCLUDED.owner OR execution_leases.expires_at <= NOW()
		RETURNING expires_at
	`

	lease := &persistence.Lease{ExecutionID: executionID, Owner: owner}

	err := r.db.QueryRowContext(ctx, query, executionID, owner, ttl.Milliseconds()).Scan(&lease.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrLeaseHeld
		}

		return nil, fmt.Errorf("failed to acquire lease for execution %s: %w", executionID, err)
	}

	return lease, nil
}

func (r *LeaseRepository) Renew(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	query := `
		UPDATE execution_leases
		SET expires_at = NOW() + $3::bigint * INTERVAL '1 millisecond'
		WHERE execution_id = $1 AND owner = $2 AND expires_at > NOW()
		RETURNING expires_at
	`

	lease := &persistence.Lease{ExecutionID: executionID, Owner: owner}

	err := r.db.QueryRowContext(ctx, query, executionID, owner, ttl.Milliseconds()).Scan(&lease.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrLeaseLost
		}

		return nil, fmt.Errorf("failed to renew lease for execution %s: %w", executionID, err)
	}

	return lease, nil
}

func (r *LeaseRepository) Release(ctx context.Context, executionID, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM execution_leases WHERE execution_id = $1 AND owner = $2`, executionID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease for execution %s: %w", executionID, err)
	}

	return nil
}

func (r *LeaseRepository) Current(ctx context.Context, executionID string) (*persistence.Lease, error) {
	query := `
		SELECT owner, expires_at
		FROM execution_leases
		WHERE execution_id = $1 AND expires_at > NOW()
	`

	lease := &persistence.Lease{ExecutionID: executionID}

	err := r.db.QueryRowContext(ctx, query, executionID).Scan(&lease.Owner, &lease.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read lease for execution %s: %w", executionID, err)
	}

	return lease, nil
}
