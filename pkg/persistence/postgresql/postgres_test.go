//go:build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	tables := []string{
		"execution_leases", "audit_entries", "rule_stats", "rule_executions", "step_executions",
		"workflow_executions", "business_rules", "workflow_definition_versions", "workflow_definitions",
		"schema_migrations",
	}
	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowengine_test"),
			postgres.WithUsername("flowengine"),
			postgres.WithPassword("flowengine"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	var version int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 3, version)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'execution_leases'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDefinitionsAndRules(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	def := &models.WorkflowDefinition{
		ID:       "onboarding",
		TenantID: "acme",
		Name:     "Onboarding",
		Version:  2,
		Status:   models.DefinitionStatusPublished,
		Steps: []*models.StepDefinition{
			{ID: "a", Kind: models.StepKindCompute},
			{ID: "b", Kind: models.StepKindExternalCall, Config: map[string]any{"url": "http://example.test"}},
		},
		Trigger:        models.TriggerSpec{EventType: "STAGE_CHANGED", EntityType: "Deal"},
		VariableSchema: map[string]any{"type": "object"},
	}
	require.NoError(t, p.SaveDefinition(ctx, def))

	fetched, err := p.PublishedDefinition(ctx, "acme", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.Version)
	require.Len(t, fetched.Steps, 2)
	assert.Equal(t, "http://example.test", fetched.Steps[1].Config["url"])

	byTrigger, err := p.DefinitionsByTrigger(ctx, "acme", "STAGE_CHANGED")
	require.NoError(t, err)
	assert.Len(t, byTrigger, 1)

	_, err = p.PublishedDefinition(ctx, "acme", "missing")
	assert.True(t, persistence.IsDefinitionNotFound(err))

	def.Status = models.DefinitionStatusUnpublished
	require.NoError(t, p.SaveDefinition(ctx, def))

	def.Status = models.DefinitionStatusDraft
	def.Version = 3
	def.Steps = def.Steps[:1]
	require.NoError(t, p.SaveDefinition(ctx, def))

	pinned, err := p.DefinitionVersion(ctx, "acme", "onboarding", 2)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusPublished, pinned.Status)
	assert.Len(t, pinned.Steps, 2)

	_, err = p.DefinitionVersion(ctx, "acme", "onboarding", 3)
	assert.True(t, persistence.IsDefinitionNotFound(err))

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, rule := range []*models.BusinessRule{
		{ID: "r5", TenantID: "acme", Name: "five", EntityType: "Deal", Active: true, Priority: 5, CreatedAt: created},
		{ID: "r10", TenantID: "acme", Name: "ten", EntityType: "Deal", Active: true, Priority: 10, CreatedAt: created},
	} {
		require.NoError(t, p.SaveRule(ctx, rule))
	}

	rules, err := p.ActiveRules(ctx, "acme", "Deal")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r10", rules[0].ID)
}

func TestExecutionLifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	execution := &models.WorkflowExecution{
		ID:                uuid.NewString(),
		TenantID:          "acme",
		DefinitionID:      "onboarding",
		DefinitionVersion: 1,
		ExecutionKey:      "deal-1",
		Status:            models.ExecutionStatusPending,
		Variables:         map[string]any{"owner": "ana"},
		Attempt:           1,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	stored, created, err := p.CreateExecution(ctx, execution)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.Version)

	again, created, err := p.CreateExecution(ctx, &models.WorkflowExecution{
		ID: uuid.NewString(), TenantID: "acme", DefinitionID: "onboarding", ExecutionKey: "deal-1",
		Status: models.ExecutionStatusPending, StartedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, execution.ID, again.ID)

	stale, err := p.ExecutionByID(ctx, "acme", execution.ID)
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusRunning
	execution.Error = &models.ErrorDetail{Code: "X", Message: "y"}
	require.NoError(t, p.SaveExecution(ctx, execution))
	assert.Equal(t, int64(2), execution.Version)

	stale.Status = models.ExecutionStatusCancelled
	err = p.SaveExecution(ctx, stale)
	assert.True(t, persistence.IsConcurrentModification(err))

	running, err := p.ExecutionsByStatus(ctx, models.ExecutionStatusRunning, models.ExecutionStatusSuspended)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "ana", running[0].Variables["owner"])
	assert.Equal(t, "X", running[0].Error.Code)

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.SaveStepExecution(ctx, &models.StepExecution{
			ID: uuid.NewString(), TenantID: "acme", ExecutionID: execution.ID, StepID: "b",
			StepKind: models.StepKindExternalCall, Status: models.StepStatusFailed, Attempt: i, StartedAt: now,
		}))
	}

	steps, err := p.StepExecutions(ctx, "acme", execution.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Less(t, steps[0].Sequence, steps[2].Sequence)
	assert.Equal(t, 3, steps[2].Attempt)
}

func TestRuleStatsAreAtomic(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)

		go func(failed bool) {
			defer wg.Done()

			_, err := p.RecordRuleOutcome(ctx, "acme", "r1", failed, time.Now())
			assert.NoError(t, err)
		}(i%4 == 0)
	}

	wg.Wait()

	stats, err := p.RuleStats(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.ExecutionCount)
	assert.Equal(t, int64(15), stats.SuccessCount)
	assert.Equal(t, int64(5), stats.FailureCount)

	require.NoError(t, p.FlagRule(ctx, "acme", "r1", true))

	stats, err = p.RuleStats(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.True(t, stats.Flagged)
}

func TestAuditAndLeases(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	entry := &models.AuditEntry{
		ID: uuid.NewString(), TenantID: "acme", ExecutionID: "exec-1",
		Kind: models.AuditKindStateTransition, From: "PENDING", To: "RUNNING", At: time.Now(),
	}
	require.NoError(t, p.Append(ctx, entry))
	assert.Positive(t, entry.Sequence)

	entries, err := p.Entries(ctx, "acme", "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "RUNNING", entries[0].To)

	_, err = p.AcquireLease(ctx, "exec-1", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = p.AcquireLease(ctx, "exec-1", "worker-b", time.Minute)
	require.ErrorIs(t, err, persistence.ErrLeaseHeld)

	_, err = p.RenewLease(ctx, "exec-1", "worker-b", time.Minute)
	require.ErrorIs(t, err, persistence.ErrLeaseLost)

	lease, err := p.CurrentLease(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "worker-a", lease.Owner)

	require.NoError(t, p.ReleaseLease(ctx, "exec-1", "worker-a"))

	_, err = p.AcquireLease(ctx, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)
}
