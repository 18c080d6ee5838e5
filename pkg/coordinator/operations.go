package coordinator

import (
	"context"
	"fmt"

	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
)

// mutation changes an execution in place. It returns false when nothing changed.
type mutation func(execution *models.WorkflowExecution) (bool, error)

// update runs a read-modify-write cycle, retrying on concurrent modification.
func (c *Coordinator) update(ctx context.Context, tenantID, executionID string, mutate mutation) (*models.WorkflowExecution, models.ExecutionStatus, bool, error) {
	for range maxUpdateRetries {
		execution, err := c.store.ExecutionByID(ctx, tenantID, executionID)
		if err != nil {
			return nil, "", false, err
		}

		from := execution.Status

		changed, err := mutate(execution)
		if err != nil {
			return nil, "", false, err
		}

		if !changed {
			return execution, from, false, nil
		}

		execution.UpdatedAt = c.now()

		err = c.store.SaveExecution(ctx, execution)
		if persistence.IsConcurrentModification(err) {
			continue
		}

		if err != nil {
			return nil, "", false, fmt.Errorf("failed to save execution: %w", err)
		}

		return execution, from, true, nil
	}

	return nil, "", false, persistence.NewExecutionError("update", executionID, persistence.ErrConcurrentModification)
}

func illegal(op string, execution *models.WorkflowExecution) error {
	return fmt.Errorf("%w: cannot %s execution %s in status %s", ErrIllegalState, op, execution.ID, execution.Status)
}

func transition(execution *models.WorkflowExecution, to models.ExecutionStatus) error {
	if !models.CanTransition(execution.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, execution.Status, to)
	}

	execution.Status = to

	return nil
}

// Cancel stops an execution. PENDING and SUSPENDED executions are cancelled at
// once; RUNNING ones are flagged and stop at the next step boundary.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	actor := actorFrom(ctx, "operator")

	execution, from, changed, err := c.update(ctx, tenantID, executionID, func(e *models.WorkflowExecution) (bool, error) {
		switch e.Status {
		case models.ExecutionStatusPending, models.ExecutionStatusSuspended:
			if err := transition(e, models.ExecutionStatusCancelled); err != nil {
				return false, err
			}

			now := c.now()
			e.CompletedAt = &now
			e.ResumeAt = nil
			e.Resuming = false

			return true, nil
		case models.ExecutionStatusRunning:
			if e.CancelRequested {
				return false, nil
			}

			e.CancelRequested = true

			return true, nil
		default:
			return false, illegal("cancel", e)
		}
	})
	if err != nil {
		return nil, err
	}

	if changed && execution.Status == models.ExecutionStatusCancelled {
		c.recordTransition(ctx, execution, from, actor, "cancelled by operator")
		c.logger.InfoContext(ctx, "Execution cancelled", log.TenantID(tenantID), log.ExecutionID(executionID))
		c.notifyParent(ctx, execution)
	} else if changed {
		c.logger.InfoContext(ctx, "Cancellation requested", log.TenantID(tenantID), log.ExecutionID(executionID))
	}

	return c.view(ctx, execution)
}

// Suspend pauses an execution. PENDING executions are suspended at once; RUNNING
// ones are flagged and suspend at the next step boundary.
func (c *Coordinator) Suspend(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	actor := actorFrom(ctx, "operator")

	execution, from, changed, err := c.update(ctx, tenantID, executionID, func(e *models.WorkflowExecution) (bool, error) {
		switch e.Status {
		case models.ExecutionStatusPending:
			if err := transition(e, models.ExecutionStatusSuspended); err != nil {
				return false, err
			}

			e.SuspendReason = models.SuspendReasonOperator

			return true, nil
		case models.ExecutionStatusRunning:
			if e.SuspendRequested {
				return false, nil
			}

			e.SuspendRequested = true

			return true, nil
		case models.ExecutionStatusSuspended:
			return false, nil
		default:
			return false, illegal("suspend", e)
		}
	})
	if err != nil {
		return nil, err
	}

	if changed && execution.Status == models.ExecutionStatusSuspended {
		c.recordTransition(ctx, execution, from, actor, "suspended by operator")
	}

	return c.view(ctx, execution)
}

// Resume continues a SUSPENDED execution. input is merged into the variables at
// the top level, a null value deleting the key, and is handed to the suspended
// step, which re-enters in resume mode.
func (c *Coordinator) Resume(ctx context.Context, tenantID, executionID string, input map[string]any) (*models.ExecutionView, error) {
	actor := actorFrom(ctx, "operator")

	execution, from, _, err := c.update(ctx, tenantID, executionID, func(e *models.WorkflowExecution) (bool, error) {
		if e.Status != models.ExecutionStatusSuspended {
			return false, illegal("resume", e)
		}

		if err := transition(e, models.ExecutionStatusRunning); err != nil {
			return false, err
		}

		e.Variables = mergeVariables(e.Variables, input)

		// An operator suspension happened between steps: the pointer step never ran.
		// A retry suspension runs the next attempt, not a resume of the last one.
		if e.SuspendReason != models.SuspendReasonOperator && e.SuspendReason != models.SuspendReasonRetry {
			e.Resuming = true
			e.ResumeInput = models.CloneMap(input)
		}

		e.SuspendReason = ""
		e.SuspendRequested = false

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	c.recordTransition(ctx, execution, from, actor, "resumed")
	c.dispatch(ctx, execution)

	return c.view(ctx, execution)
}

// Retry restarts a FAILED execution at the step that failed.
func (c *Coordinator) Retry(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	actor := actorFrom(ctx, "operator")

	execution, from, _, err := c.update(ctx, tenantID, executionID, func(e *models.WorkflowExecution) (bool, error) {
		if e.Status != models.ExecutionStatusFailed {
			return false, illegal("retry", e)
		}

		if err := transition(e, models.ExecutionStatusRunning); err != nil {
			return false, err
		}

		e.Error = nil
		e.CompletedAt = nil
		e.Attempt++
		e.StepAttempt = 0
		e.Resuming = false
		e.ResumeInput = nil
		e.CancelRequested = false
		e.SuspendRequested = false

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	c.recordTransition(ctx, execution, from, actor, fmt.Sprintf("retry attempt %d from step %s", execution.Attempt, execution.CurrentStepID))
	c.dispatch(ctx, execution)

	return c.view(ctx, execution)
}

func mergeVariables(variables, input map[string]any) map[string]any {
	merged := models.CloneMap(variables)
	if merged == nil {
		merged = make(map[string]any, len(input))
	}

	for key, value := range input {
		if value == nil {
			delete(merged, key)

			continue
		}

		merged[key] = value
	}

	return merged
}

// notifyParent resumes the parent waiting on a child that reached a terminal state.
func (c *Coordinator) notifyParent(ctx context.Context, child *models.WorkflowExecution) {
	if child.ParentExecutionID == "" || !child.Status.IsTerminal() {
		return
	}

	parent, err := c.store.ExecutionByID(ctx, child.TenantID, child.ParentExecutionID)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to load parent execution",
			log.ExecutionID(child.ID), "parent_execution_id", child.ParentExecutionID, log.Error(err))

		return
	}

	if parent.Status != models.ExecutionStatusSuspended ||
		parent.SuspendReason != models.SuspendReasonSubWorkflow ||
		parent.CurrentStepID != child.ParentStepID {
		return
	}

	_, err = c.Resume(WithActor(ctx, "execution:"+child.ID), parent.TenantID, parent.ID, nil)
	if err != nil && !IsIllegalState(err) {
		c.logger.WarnContext(ctx, "Failed to resume parent execution",
			log.ExecutionID(child.ID), "parent_execution_id", parent.ID, log.Error(err))
	}
}
