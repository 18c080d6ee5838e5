package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/otelhelper"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/steps"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// run is the state of one Advance call: the execution as this worker sees it
// and the definition it follows.
type run struct {
	logger     *slog.Logger
	execution  *models.WorkflowExecution
	definition *models.WorkflowDefinition
	// token holds the lease for this call only.
	token string
	// stored is the status last read from or written to the store.
	stored models.ExecutionStatus
}

// errSuperseded stops a run whose execution was moved by an operator command.
var errSuperseded = errors.New("execution moved by another writer")

// Advance drives an execution until it reaches a terminal state or suspends.
// It is a no-op when another call, in this process or another, holds the lease
// of the execution.
func (c *Coordinator) Advance(ctx context.Context, tenantID, executionID string) error {
	token := c.owner + ":" + uuid.NewString()
	logger := c.logger.With(log.TenantID(tenantID), log.ExecutionID(executionID), "owner", token)

	_, err := c.leases.AcquireLease(ctx, executionID, token, c.leaseTTL)
	if persistence.IsLeaseConflict(err) {
		logger.DebugContext(ctx, "Execution leased by another worker")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	defer func() {
		if err := c.leases.ReleaseLease(context.WithoutCancel(ctx), executionID, token); err != nil {
			logger.WarnContext(ctx, "Failed to release lease", log.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)

	go c.keepLease(runCtx, cancel, executionID, token, done)

	ctx, span := otelhelper.StartSpan(log.WithLogger(runCtx, logger), c.tracer, "coordinator.advance",
		attribute.String(otelhelper.TenantIDKey, tenantID),
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkerIDKey, c.owner),
	)
	defer span.End()

	err = c.drive(ctx, logger, tenantID, executionID, token)

	if errors.Is(err, errSuperseded) {
		logger.InfoContext(ctx, "Execution changed while advancing, stopping", log.Error(err))

		return nil
	}

	if errors.Is(err, persistence.ErrLeaseLost) || errors.Is(context.Cause(runCtx), persistence.ErrLeaseLost) {
		c.metrics.RecordLeaseLost()
		logger.WarnContext(ctx, "Lease lost, abandoning execution")

		return nil
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// keepLease renews the lease every third of its TTL and cancels the run once
// the lease can no longer be renewed.
func (c *Coordinator) keepLease(ctx context.Context, cancel context.CancelCauseFunc, executionID, token string, done <-chan struct{}) {
	ticker := time.NewTicker(max(c.leaseTTL/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.leases.RenewLease(ctx, executionID, token, c.leaseTTL); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("%w: %w", persistence.ErrLeaseLost, err))
				}

				return
			}
		}
	}
}

func (c *Coordinator) drive(ctx context.Context, logger *slog.Logger, tenantID, executionID, token string) error {
	execution, err := c.store.ExecutionByID(ctx, tenantID, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() || execution.Status == models.ExecutionStatusSuspended {
		logger.DebugContext(ctx, "Nothing to advance", log.Status(execution.Status))

		return nil
	}

	r := &run{logger: logger, execution: execution, token: token, stored: execution.Status}

	r.definition, err = c.definitions.DefinitionVersion(ctx, tenantID, execution.DefinitionID, execution.DefinitionVersion)
	if persistence.IsDefinitionNotFound(err) {
		return c.fail(ctx, r, &models.ErrorDetail{
			Code: models.ErrorCodeDefinitionNotFound,
			Message: fmt.Sprintf("definition %s version %d no longer exists",
				execution.DefinitionID, execution.DefinitionVersion),
		})
	}

	if err != nil {
		return fmt.Errorf("failed to load definition: %w", err)
	}

	if execution.Status == models.ExecutionStatusPending {
		if err := transition(execution, models.ExecutionStatusRunning); err != nil {
			return err
		}

		if err := c.persist(ctx, r); err != nil {
			return err
		}

		c.recordTransition(ctx, execution, models.ExecutionStatusPending, execution.Actor, "execution started")
		logger.InfoContext(ctx, "Execution started", log.DefinitionID(execution.DefinitionID))
	}

	for {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		if r.execution.CancelRequested {
			return c.finish(ctx, r, models.ExecutionStatusCancelled, "cancelled by operator")
		}

		if r.execution.SuspendRequested {
			return c.suspend(ctx, r, &steps.Suspension{Reason: models.SuspendReasonOperator}, "suspended by operator")
		}

		step, ok := r.definition.StepByID(r.execution.CurrentStepID)
		if !ok {
			return c.fail(ctx, r, &models.ErrorDetail{
				Code:    models.ErrorCodeInvalidTransition,
				Message: fmt.Sprintf("%v: step %s is not part of definition %s", ErrInvalidTransition, r.execution.CurrentStepID, r.definition.ID),
			})
		}

		results, err := c.stepResults(ctx, r.execution)
		if err != nil {
			return err
		}

		req := &steps.Request{
			Execution:   r.execution.Clone(),
			Step:        step,
			StepResults: results,
			Resuming:    r.execution.Resuming,
			ResumeInput: models.CloneMap(r.execution.ResumeInput),
			Attempt:     r.execution.StepAttempt,
			Now:         c.now(),
		}

		outcome, err := c.executor.Execute(ctx, req, c.guard(r))
		if errors.Is(err, errCancelObserved) {
			r.execution.CancelRequested = true

			continue
		}

		if err != nil {
			return err
		}

		if err := c.refreshFlags(ctx, r); err != nil {
			return err
		}

		if r.execution.CancelRequested && outcome.Record != nil {
			// The result of a step finishing after cancellation is not applied.
			outcome.Record.Discarded = true
			if err := c.store.SaveStepExecution(ctx, outcome.Record); err != nil {
				return fmt.Errorf("failed to save step execution: %w", err)
			}

			continue
		}

		c.recordStepOutcome(ctx, r.execution, step, outcome)

		done, err := c.apply(ctx, r, step, outcome)
		if err != nil || done {
			return err
		}
	}
}

// apply moves the execution according to the outcome of the current step. It
// returns true when the execution left RUNNING.
func (c *Coordinator) apply(ctx context.Context, r *run, step *models.StepDefinition, outcome *steps.Outcome) (bool, error) {
	execution := r.execution
	execution.StepAttempt = outcome.NextAttempt

	switch outcome.Status {
	case steps.OutcomeSuspended:
		return true, c.suspend(ctx, r, outcome.Suspension, fmt.Sprintf("step %s suspended", step.ID))
	case steps.OutcomeFailed:
		return true, c.fail(ctx, r, outcome.Error)
	}

	execution.CompletedSteps++
	execution.Resuming = false
	execution.ResumeInput = nil
	execution.ResumeAt = nil

	next := outcome.Next
	if next == "" {
		next = r.definition.NextInOrder(step.ID)
	} else if _, ok := r.definition.StepByID(next); !ok {
		return true, c.fail(ctx, r, &models.ErrorDetail{
			Code:    models.ErrorCodeInvalidTransition,
			Message: fmt.Sprintf("%v: step %s branches to unknown step %s", ErrInvalidTransition, step.ID, next),
			Context: map[string]any{"step_id": step.ID, "next_step": next},
		})
	}

	if next == "" {
		return true, c.finish(ctx, r, models.ExecutionStatusCompleted, "all steps completed")
	}

	execution.CurrentStepID = next
	execution.Progress = progress(r.definition, execution)

	if err := c.persist(ctx, r); err != nil {
		return true, err
	}

	r.logger.DebugContext(ctx, "Step completed", log.StepID(step.ID), "next_step", next, "progress", execution.Progress)

	return false, nil
}

func (c *Coordinator) suspend(ctx context.Context, r *run, suspension *steps.Suspension, message string) error {
	execution := r.execution
	from := execution.Status

	if err := transition(execution, models.ExecutionStatusSuspended); err != nil {
		return err
	}

	execution.SuspendReason = suspension.Reason
	execution.ResumeAt = suspension.ResumeAt
	execution.SuspendRequested = false

	// An operator suspension between steps keeps the pending resume of the pointer step.
	if suspension.Reason != models.SuspendReasonOperator {
		execution.Resuming = false
		execution.ResumeInput = nil
	}

	execution.Progress = progress(r.definition, execution)

	if err := c.persist(ctx, r); err != nil {
		return err
	}

	actor := execution.Actor
	if suspension.Reason == models.SuspendReasonOperator {
		actor = "operator"
	}

	c.recordTransition(ctx, execution, from, actor, message)
	r.logger.InfoContext(ctx, "Execution suspended", "reason", suspension.Reason, log.StepID(execution.CurrentStepID))

	return nil
}

func (c *Coordinator) fail(ctx context.Context, r *run, detail *models.ErrorDetail) error {
	execution := r.execution
	from := execution.Status

	if err := transition(execution, models.ExecutionStatusFailed); err != nil {
		return err
	}

	now := c.now()
	execution.Error = detail
	execution.CompletedAt = &now
	execution.Resuming = false
	execution.ResumeInput = nil

	if r.definition != nil {
		execution.Progress = progress(r.definition, execution)
	}

	if err := c.persist(ctx, r); err != nil {
		return err
	}

	c.recordTransition(ctx, execution, from, execution.Actor, detail.Message)
	r.logger.ErrorContext(ctx, "Execution failed", "error_code", detail.Code, "error", detail.Message)
	c.notifyParent(ctx, execution)

	return nil
}

// finish moves the execution to COMPLETED or CANCELLED.
func (c *Coordinator) finish(ctx context.Context, r *run, status models.ExecutionStatus, message string) error {
	execution := r.execution
	from := execution.Status

	if err := transition(execution, status); err != nil {
		return err
	}

	now := c.now()
	execution.CompletedAt = &now
	execution.Resuming = false
	execution.ResumeInput = nil
	execution.Progress = progress(r.definition, execution)

	if err := c.persist(ctx, r); err != nil {
		return err
	}

	actor := execution.Actor
	if status == models.ExecutionStatusCancelled {
		actor = "operator"
	}

	c.recordTransition(ctx, execution, from, actor, message)
	r.logger.InfoContext(ctx, "Execution finished", log.Status(status), "progress", execution.Progress)
	c.notifyParent(ctx, execution)

	return nil
}

// persist renews the lease, then saves the execution. Operator flags set in the
// meantime are carried over; every other field is owned by the lease holder.
func (c *Coordinator) persist(ctx context.Context, r *run) error {
	if _, err := c.leases.RenewLease(ctx, r.execution.ID, r.token, c.leaseTTL); err != nil {
		return fmt.Errorf("%w: %w", persistence.ErrLeaseLost, err)
	}

	for range maxUpdateRetries {
		r.execution.UpdatedAt = c.now()

		err := c.store.SaveExecution(ctx, r.execution)
		if err == nil {
			r.stored = r.execution.Status

			return nil
		}

		if !persistence.IsConcurrentModification(err) {
			return fmt.Errorf("failed to save execution: %w", err)
		}

		latest, err := c.store.ExecutionByID(ctx, r.execution.TenantID, r.execution.ID)
		if err != nil {
			return err
		}

		if latest.Status != r.stored {
			return fmt.Errorf("%w: execution %s is %s", errSuperseded, latest.ID, latest.Status)
		}

		r.execution.Version = latest.Version
		r.execution.CancelRequested = r.execution.CancelRequested || latest.CancelRequested
		r.execution.SuspendRequested = r.execution.SuspendRequested || latest.SuspendRequested
	}

	return persistence.NewExecutionError("save", r.execution.ID, persistence.ErrConcurrentModification)
}

// refreshFlags picks up operator requests stored since the execution was loaded.
func (c *Coordinator) refreshFlags(ctx context.Context, r *run) error {
	latest, err := c.store.ExecutionByID(ctx, r.execution.TenantID, r.execution.ID)
	if err != nil {
		return err
	}

	r.execution.CancelRequested = r.execution.CancelRequested || latest.CancelRequested
	r.execution.SuspendRequested = r.execution.SuspendRequested || latest.SuspendRequested

	return nil
}

// guard stops step retries once a cancellation was requested.
func (c *Coordinator) guard(r *run) steps.Guard {
	return func(ctx context.Context) error {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		if err := c.refreshFlags(ctx, r); err != nil {
			return err
		}

		if r.execution.CancelRequested {
			return errCancelObserved
		}

		return nil
	}
}

// stepResults maps each step id to the output of its latest completed attempt.
func (c *Coordinator) stepResults(ctx context.Context, execution *models.WorkflowExecution) (map[string]any, error) {
	records, err := c.store.StepExecutions(ctx, execution.TenantID, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step executions: %w", err)
	}

	results := make(map[string]any)

	for _, record := range records {
		if record.Discarded || record.Status != models.StepStatusCompleted {
			continue
		}

		output := record.Output
		if output == nil {
			output = map[string]any{}
		}

		results[record.StepID] = output
	}

	return results, nil
}
