package lease_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/flowengine/pkg/lease"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepository(t *testing.T) (*lease.Repository, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	return lease.NewRepository(client), server
}

func TestRepository_AcquireIsExclusive(t *testing.T) {
	repo, server := newRepository(t)
	ctx := t.Context()

	got, err := repo.AcquireLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.Owner)

	_, err = repo.AcquireLease(ctx, "exec-1", "worker-b", 30*time.Second)
	require.ErrorIs(t, err, persistence.ErrLeaseHeld)
	assert.True(t, persistence.IsLeaseConflict(err))

	_, err = repo.AcquireLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.NoError(t, err, "the owner may acquire again")

	owner, err := server.Get(lease.Key("exec-1"))
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	_, err = repo.AcquireLease(ctx, "exec-2", "worker-b", 30*time.Second)
	require.NoError(t, err, "leases are per execution")
}

func TestRepository_ExpiredLeaseChangesHands(t *testing.T) {
	repo, server := newRepository(t)
	ctx := t.Context()

	_, err := repo.AcquireLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.NoError(t, err)

	server.FastForward(31 * time.Second)

	_, err = repo.AcquireLease(ctx, "exec-1", "worker-b", 30*time.Second)
	require.NoError(t, err)

	_, err = repo.RenewLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.ErrorIs(t, err, persistence.ErrLeaseLost)

	renewed, err := repo.RenewLease(ctx, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", renewed.Owner)
	assert.Equal(t, time.Minute, server.TTL(lease.Key("exec-1")))
}

func TestRepository_ReleaseOnlyByOwner(t *testing.T) {
	repo, server := newRepository(t)
	ctx := t.Context()

	_, err := repo.AcquireLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseLease(ctx, "exec-1", "worker-b"))
	assert.True(t, server.Exists(lease.Key("exec-1")))

	current, err := repo.CurrentLease(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "worker-a", current.Owner)

	require.NoError(t, repo.ReleaseLease(ctx, "exec-1", "worker-a"))
	assert.False(t, server.Exists(lease.Key("exec-1")))

	current, err = repo.CurrentLease(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, current)

	_, err = repo.RenewLease(ctx, "exec-1", "worker-a", 30*time.Second)
	require.ErrorIs(t, err, persistence.ErrLeaseLost)
}

func TestRepository_HealthCheck(t *testing.T) {
	repo, server := newRepository(t)

	require.NoError(t, repo.HealthCheck(t.Context()))

	server.Close()

	require.Error(t, repo.HealthCheck(t.Context()))
}
