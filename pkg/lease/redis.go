// Package lease stores execution leases in Redis so workers on several hosts
// can share one execution store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "flowengine:lease:"

// acquire sets the lease when it is free or already owned by the caller.
var acquire = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// renew extends the lease only while the caller still owns it.
var renew = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var release = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Repository implements persistence.LeaseRepository. Expiry is left to Redis.
type Repository struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRepository(client redis.UniversalClient) *Repository {
	return &Repository{client: client, now: time.Now}
}

// Key returns the Redis key holding the lease of executionID.
func Key(executionID string) string {
	return keyPrefix + executionID
}

func (r *Repository) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	ok, err := acquire.Run(ctx, r.client, []string{Key(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", executionID, err)
	}

	if ok == 0 {
		return nil, persistence.ErrLeaseHeld
	}

	return &persistence.Lease{ExecutionID: executionID, Owner: owner, ExpiresAt: r.now().Add(ttl)}, nil
}

func (r *Repository) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) (*persistence.Lease, error) {
	ok, err := renew.Run(ctx, r.client, []string{Key(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease for %s: %w", executionID, err)
	}

	if ok == 0 {
		return nil, persistence.ErrLeaseLost
	}

	return &persistence.Lease{ExecutionID: executionID, Owner: owner, ExpiresAt: r.now().Add(ttl)}, nil
}

func (r *Repository) ReleaseLease(ctx context.Context, executionID, owner string) error {
	if err := release.Run(ctx, r.client, []string{Key(executionID)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", executionID, err)
	}

	return nil
}

func (r *Repository) CurrentLease(ctx context.Context, executionID string) (*persistence.Lease, error) {
	key := Key(executionID)

	var (
		owner *redis.StringCmd
		ttl   *redis.DurationCmd
	)

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		owner = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)

		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read lease for %s: %w", executionID, err)
	}

	remaining := ttl.Val()
	if remaining <= 0 {
		// -1 means no expiry, which only a manual SET can produce.
		remaining = 0
	}

	return &persistence.Lease{ExecutionID: executionID, Owner: owner.Val(), ExpiresAt: r.now().Add(remaining)}, nil
}

// HealthCheck pings the Redis server.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
