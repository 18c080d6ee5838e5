package steps_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence/memory"
	"github.com/dukex/flowengine/pkg/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)

	return nil
}

func newExecution() *models.WorkflowExecution {
	return &models.WorkflowExecution{
		ID:           "exec-1",
		TenantID:     "acme",
		DefinitionID: "onboarding",
		Status:       models.ExecutionStatusRunning,
		Variables:    map[string]any{"amount": float64(10)},
	}
}

func newExecutor(t *testing.T, store *memory.Persistence, handler steps.Handler, opts ...steps.Option) (*steps.Executor, *recordedSleeps) {
	t.Helper()

	sleeps := &recordedSleeps{}
	opts = append([]steps.Option{steps.WithSleeper(sleeps.sleep)}, opts...)

	handlers := map[models.StepKind]steps.Handler{models.StepKindCompute: handler}

	return steps.NewExecutor(slog.Default(), store, handlers, opts...), sleeps
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()

	var calls atomic.Int32

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		if calls.Add(1) <= 2 {
			return nil, steps.Transient(errors.New("connection reset"))
		}

		return &steps.Result{Output: map[string]any{"ok": true}}, nil
	})

	executor, sleeps := newExecutor(t, store, handler)
	exec := newExecution()

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: exec,
		Step:      &models.StepDefinition{ID: "b", Kind: models.StepKindCompute},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeCompleted, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, map[string]any{"ok": true}, outcome.Output)

	records, err := store.StepExecutions(t.Context(), "acme", "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, models.StepStatusFailed, records[0].Status)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, models.ErrorCodeStepTransient, records[0].Error.Code)
	assert.Equal(t, models.StepStatusFailed, records[1].Status)
	assert.Equal(t, 2, records[1].Attempt)
	assert.Equal(t, models.StepStatusCompleted, records[2].Status)
	assert.Equal(t, 3, records[2].Attempt)
	assert.Less(t, records[0].Sequence, records[2].Sequence)

	require.Len(t, sleeps.waits, 2)

	for _, wait := range sleeps.waits {
		assert.Positive(t, wait)
		assert.LessOrEqual(t, wait, steps.DefaultPolicy().MaxBackoff)
	}
}

func TestExecuteStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()

	var calls atomic.Int32

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		calls.Add(1)

		stepErr := steps.Permanent(models.ErrorCodeStepFailed, errors.New("404 not found"))
		stepErr.Output = map[string]any{"status_code": 404}

		return nil, stepErr
	})

	executor, sleeps := newExecutor(t, store, handler)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "b", Kind: models.StepKindCompute},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeps.waits)
	assert.Equal(t, steps.OutcomeFailed, outcome.Status)
	require.ErrorIs(t, outcome.Err, steps.ErrStepFailed)
	assert.True(t, steps.IsStepFailed(outcome.Err))
	assert.Equal(t, models.ErrorCodeStepFailed, outcome.Error.Code)
	assert.Equal(t, 1, outcome.Error.Context["attempts"])
	assert.Equal(t, map[string]any{"status_code": 404}, outcome.Output)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		return nil, errors.New("unclassified")
	})

	executor, sleeps := newExecutor(t, store, handler)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step: &models.StepDefinition{
			ID:    "b",
			Kind:  models.StepKindCompute,
			Retry: &models.RetryPolicy{MaxAttempts: 2, InitialBackoffMs: 10, MaxBackoffMs: 20},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeFailed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, models.ErrorCodeStepTransient, outcome.Error.Context["cause_code"])

	require.Len(t, sleeps.waits, 1)
	assert.LessOrEqual(t, sleeps.waits[0], 20*time.Millisecond)

	records, err := store.StepExecutions(t.Context(), "acme", "exec-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecuteSuspendsLongBackoff(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var calls atomic.Int32

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		calls.Add(1)

		return nil, steps.Transient(errors.New("503 service unavailable"))
	})

	executor, sleeps := newExecutor(t, store, handler, steps.WithClock(func() time.Time { return now }))
	step := &models.StepDefinition{
		ID:    "charge",
		Kind:  models.StepKindCompute,
		Retry: &models.RetryPolicy{MaxAttempts: 3, InitialBackoffMs: 60000, MaxBackoffMs: 120000},
	}

	outcome, err := executor.Execute(t.Context(), &steps.Request{Execution: newExecution(), Step: step}, nil)
	require.NoError(t, err)

	assert.Empty(t, sleeps.waits, "long waits are not held by the worker")
	assert.Equal(t, steps.OutcomeSuspended, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 2, outcome.NextAttempt)
	require.NotNil(t, outcome.Suspension)
	assert.Equal(t, models.SuspendReasonRetry, outcome.Suspension.Reason)
	require.NotNil(t, outcome.Suspension.ResumeAt)
	assert.WithinRange(t, *outcome.Suspension.ResumeAt, now.Add(30*time.Second), now.Add(2*time.Minute))
	assert.Equal(t, models.StepStatusFailed, outcome.Record.Status)

	outcome, err = executor.Execute(t.Context(), &steps.Request{Execution: newExecution(), Step: step, Attempt: 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeFailed, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	records, err := store.StepExecutions(t.Context(), "acme", "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, 3, records[1].Attempt)
}

func TestExecuteTimesOutAttempt(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()

	handler := steps.HandlerFunc(func(ctx context.Context, _ *steps.Request) (*steps.Result, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	executor, _ := newExecutor(t, store, handler)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step: &models.StepDefinition{
			ID:        "slow",
			Kind:      models.StepKindCompute,
			TimeoutMs: 10,
			Retry:     &models.RetryPolicy{MaxAttempts: 2},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeFailed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, models.ErrorCodeStepTimeout, outcome.Error.Context["cause_code"])
	assert.True(t, steps.IsStepTimeout(outcome.Err))
}

func TestExecuteSkippableStep(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		return nil, steps.Permanent(models.ErrorCodeStepFailed, errors.New("bad input"))
	})

	executor, _ := newExecutor(t, store, handler)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "optional", Kind: models.StepKindCompute, Skippable: true},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeSkipped, outcome.Status)

	records, err := store.StepExecutions(t.Context(), "acme", "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusSkipped, records[0].Status)
}

func TestExecuteGuardStopsRetries(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	errCancelled := errors.New("cancel requested")

	var calls atomic.Int32

	handler := steps.HandlerFunc(func(_ context.Context, _ *steps.Request) (*steps.Result, error) {
		calls.Add(1)

		return nil, steps.Transient(errors.New("503"))
	})

	guard := func(_ context.Context) error {
		if calls.Load() >= 1 {
			return errCancelled
		}

		return nil
	}

	executor, _ := newExecutor(t, store, handler)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "b", Kind: models.StepKindCompute},
	}, guard)
	require.ErrorIs(t, err, errCancelled)
	assert.Nil(t, outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteSuspension(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	handlers := map[models.StepKind]steps.Handler{models.StepKindHumanTask: steps.HumanTaskHandler{}}
	executor := steps.NewExecutor(slog.Default(), store, handlers)

	outcome, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "approve", Kind: models.StepKindHumanTask},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, steps.OutcomeSuspended, outcome.Status)
	assert.Equal(t, models.SuspendReasonHumanTask, outcome.Suspension.Reason)
	assert.Equal(t, models.StepStatusSuspended, outcome.Record.Status)
}

func TestExecuteUnknownKind(t *testing.T) {
	t.Parallel()

	executor := steps.NewExecutor(slog.Default(), memory.NewPersistence(), nil)

	_, err := executor.Execute(t.Context(), &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "x", Kind: models.StepKindDelay},
	}, nil)
	require.ErrorIs(t, err, steps.ErrUnknownKind)
}

func TestExecuteParentCancellation(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx, cancel := context.WithCancel(t.Context())

	handler := steps.HandlerFunc(func(ctx context.Context, _ *steps.Request) (*steps.Result, error) {
		cancel()
		<-ctx.Done()

		return nil, ctx.Err()
	})

	executor, _ := newExecutor(t, store, handler)

	_, err := executor.Execute(ctx, &steps.Request{
		Execution: newExecution(),
		Step:      &models.StepDefinition{ID: "b", Kind: models.StepKindCompute},
	}, nil)
	require.ErrorIs(t, err, context.Canceled)

	records, err := store.StepExecutions(t.Context(), "acme", "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Discarded)
}
