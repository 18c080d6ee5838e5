package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
)

// ResumeDue resumes timer suspensions whose deadline passed, and parents whose
// child execution finished without waking them. It returns how many executions
// were resumed.
func (c *Coordinator) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	suspended, err := c.store.ExecutionsByStatus(ctx, models.ExecutionStatusSuspended)
	if err != nil {
		return 0, fmt.Errorf("failed to list suspended executions: %w", err)
	}

	ctx = WithActor(ctx, "scheduler")
	resumed := 0

	for _, execution := range suspended {
		due, err := c.isDue(ctx, execution, now)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to check suspended execution", log.ExecutionID(execution.ID), log.Error(err))

			continue
		}

		if !due {
			continue
		}

		if _, err := c.Resume(ctx, execution.TenantID, execution.ID, nil); err != nil {
			if IsIllegalState(err) {
				continue
			}

			c.logger.WarnContext(ctx, "Failed to resume execution", log.ExecutionID(execution.ID), log.Error(err))

			continue
		}

		resumed++
	}

	return resumed, nil
}

func (c *Coordinator) isDue(ctx context.Context, execution *models.WorkflowExecution, now time.Time) (bool, error) {
	switch execution.SuspendReason {
	case models.SuspendReasonTimer, models.SuspendReasonRetry:
		return execution.ResumeAt != nil && !execution.ResumeAt.After(now), nil
	case models.SuspendReasonSubWorkflow:
		return c.childFinished(ctx, execution)
	default:
		return false, nil
	}
}

// childFinished reports whether the child started by the current step of
// execution reached a terminal state.
func (c *Coordinator) childFinished(ctx context.Context, execution *models.WorkflowExecution) (bool, error) {
	records, err := c.store.StepExecutions(ctx, execution.TenantID, execution.ID)
	if err != nil {
		return false, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.StepID != execution.CurrentStepID {
			continue
		}

		childID, _ := record.Output["child_execution_id"].(string)
		if childID == "" {
			return false, nil
		}

		child, err := c.store.ExecutionByID(ctx, execution.TenantID, childID)
		if err != nil {
			return false, err
		}

		return child.Status.IsTerminal(), nil
	}

	return false, nil
}

// RecoverStalled dispatches again PENDING and RUNNING executions that nobody
// holds a lease on and that did not change for staleAfter.
func (c *Coordinator) RecoverStalled(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	executions, err := c.store.ExecutionsByStatus(ctx, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list active executions: %w", err)
	}

	recovered := 0

	for _, execution := range executions {
		if now.Sub(execution.UpdatedAt) < staleAfter {
			continue
		}

		lease, err := c.leases.CurrentLease(ctx, execution.ID)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to read lease", log.ExecutionID(execution.ID), log.Error(err))

			continue
		}

		if lease != nil {
			continue
		}

		c.logger.InfoContext(ctx, "Recovering stalled execution",
			log.TenantID(execution.TenantID), log.ExecutionID(execution.ID), log.Status(execution.Status))

		c.dispatch(ctx, execution)
		recovered++
	}

	return recovered, nil
}
