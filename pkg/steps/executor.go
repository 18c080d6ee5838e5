package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/otelhelper"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Policy holds the retry and timeout defaults. A step RetryPolicy or TimeoutMs
// overrides them for that step.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// InlineBackoff is the longest wait done in the worker. Longer waits end the
	// dispatch with a retry suspension.
	InlineBackoff   time.Duration
	SyncTimeout     time.Duration
	ExternalTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxBackoff:      5 * time.Minute,
		InlineBackoff:   5 * time.Second,
		SyncTimeout:     60 * time.Second,
		ExternalTimeout: 60 * time.Second,
	}
}

// Guard is called before every attempt. A non-nil error, e.g. an observed
// cancellation or a lost lease, stops the dispatch and is returned as is.
type Guard func(ctx context.Context) error

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSuspended OutcomeStatus = "suspended"
	OutcomeFailed    OutcomeStatus = "failed"
	// OutcomeSkipped is a failure of a skippable step. The workflow moves on.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the result of one dispatch of a step, across all of its attempts.
type Outcome struct {
	Status     OutcomeStatus
	Output     map[string]any
	Next       string
	Suspension *Suspension
	Error      *models.ErrorDetail
	// Err wraps ErrStepFailed and the last cause when Status is failed or skipped.
	Err      error
	Attempts int
	// NextAttempt is set with a retry suspension: the attempt to run once it is due.
	NextAttempt int
	// Record is the StepExecution of the last attempt.
	Record *models.StepExecution
}

type Executor struct {
	logger   *slog.Logger
	handlers map[models.StepKind]Handler
	records  persistence.StepExecutionRepository
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(*Executor)

func WithPolicy(policy Policy) Option {
	return func(e *Executor) {
		e.policy = policy
	}
}

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// NewExecutor creates an executor dispatching to handlers by step kind.
func NewExecutor(
	logger *slog.Logger,
	records persistence.StepExecutionRepository,
	handlers map[models.StepKind]Handler,
	opts ...Option,
) *Executor {
	e := &Executor{
		logger:   logger.With("module", "step_executor"),
		handlers: handlers,
		records:  records,
		policy:   DefaultPolicy(),
		sleep:    sleepContext,
		now:      time.Now,
		tracer:   otelhelper.Tracer("flowengine/steps"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs req.Step until it completes, suspends, fails permanently or runs
// out of attempts. Each attempt persists exactly one StepExecution. A backoff
// longer than Policy.InlineBackoff suspends with SuspendReasonRetry instead of
// waiting; the caller passes Outcome.NextAttempt back as Request.Attempt. The returned
// error is reserved for conditions that stop the dispatch without an outcome:
// a guard error, a persistence error or cancellation of ctx.
func (e *Executor) Execute(ctx context.Context, req *Request, guard Guard) (*Outcome, error) {
	handler, ok := e.handlers[req.Step.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Step.Kind)
	}

	logger := e.logger.With(
		log.TenantID(req.Execution.TenantID),
		log.ExecutionID(req.Execution.ID),
		log.StepID(req.Step.ID),
		"step_kind", req.Step.Kind,
	)
	ctx = log.WithLogger(ctx, logger)

	maxAttempts, bo := e.retryPolicy(req.Step)

	first := min(max(req.Attempt, 1), maxAttempts)
	for range first - 1 {
		bo.NextBackOff()
	}

	var (
		lastErr    *StepError
		lastRecord *attemptRecord
	)

	for attempt := first; attempt <= maxAttempts; attempt++ {
		if guard != nil {
			if err := guard(ctx); err != nil {
				return nil, err
			}
		}

		if req.Now.IsZero() || attempt > first {
			req.Now = e.now()
		}

		record, result, err := e.attempt(ctx, handler, req, attempt)
		if err != nil {
			return nil, err
		}

		lastRecord = record

		if result != nil {
			return e.success(record, result, attempt), nil
		}

		lastErr = classify(record.errCause)
		if !lastErr.Retryable || attempt == maxAttempts {
			break
		}

		wait := min(bo.NextBackOff(), e.maxBackoff(req.Step))

		if wait > e.policy.InlineBackoff {
			logger.WarnContext(ctx, "Step attempt failed, retry scheduled",
				"attempt", attempt, "backoff", wait, log.Error(lastErr))

			return e.retryLater(record, attempt, wait), nil
		}

		logger.WarnContext(ctx, "Step attempt failed, retrying",
			"attempt", attempt, "backoff", wait, log.Error(lastErr))

		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return e.failure(ctx, req, lastRecord.StepExecution, lastErr, lastRecord.Attempt)
}

// attemptRecord carries the error of the attempt next to the persisted record.
type attemptRecord struct {
	*models.StepExecution
	errCause error
}

func (e *Executor) attempt(ctx context.Context, handler Handler, req *Request, attempt int) (*attemptRecord, *Result, error) {
	input := models.CloneMap(req.Step.Config)
	if input == nil {
		input = map[string]any{}
	}

	if req.Resuming {
		input["resume_input"] = models.CloneMap(req.ResumeInput)
	}

	record := &models.StepExecution{
		ID:          uuid.NewString(),
		TenantID:    req.Execution.TenantID,
		ExecutionID: req.Execution.ID,
		StepID:      req.Step.ID,
		StepKind:    req.Step.Kind,
		Status:      models.StepStatusRunning,
		Attempt:     attempt,
		Input:       input,
		StartedAt:   e.now(),
	}

	if err := e.records.SaveStepExecution(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("failed to save step execution: %w", err)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "step.attempt",
		attribute.String(otelhelper.TenantIDKey, req.Execution.TenantID),
		attribute.String(otelhelper.ExecutionIDKey, req.Execution.ID),
		attribute.String(otelhelper.StepIDKey, req.Step.ID),
		attribute.String(otelhelper.StepKindKey, string(req.Step.Kind)),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	result, runErr := e.run(ctx, handler, req)

	completedAt := e.now()
	record.CompletedAt = &completedAt

	saveCtx := context.WithoutCancel(ctx)

	if runErr != nil && ctx.Err() != nil {
		// The worker is going away; the attempt result is not trusted.
		record.Status = models.StepStatusFailed
		record.Discarded = true
		record.Error = &models.ErrorDetail{Code: models.ErrorCodeStepTransient, Message: ctx.Err().Error()}

		if err := e.records.SaveStepExecution(saveCtx, record); err != nil {
			return nil, nil, errors.Join(ctx.Err(), err)
		}

		return nil, nil, ctx.Err()
	}

	if runErr != nil {
		stepErr := classify(runErr)
		record.Status = models.StepStatusFailed
		record.Output = stepErr.Output
		record.Error = &models.ErrorDetail{
			Code:    stepErr.Code,
			Message: stepErr.Error(),
			Context: map[string]any{"attempt": attempt, "retryable": stepErr.Retryable},
		}

		otelhelper.SetError(span, runErr, attribute.String("error.code", stepErr.Code))
	} else {
		record.Output = result.Output
		record.Status = models.StepStatusCompleted

		if result.Suspend != nil {
			record.Status = models.StepStatusSuspended
		}
	}

	e.metrics.RecordStepAttempt(string(req.Step.Kind), string(record.Status), completedAt.Sub(record.StartedAt))

	if err := e.records.SaveStepExecution(saveCtx, record); err != nil {
		return nil, nil, fmt.Errorf("failed to save step execution: %w", err)
	}

	if runErr != nil {
		return &attemptRecord{StepExecution: record, errCause: runErr}, nil, nil
	}

	return &attemptRecord{StepExecution: record}, result, nil
}

// run calls the handler under the per-attempt wall clock timeout. A handler that
// ignores its context is abandoned when the timeout fires.
func (e *Executor) run(ctx context.Context, handler Handler, req *Request) (*Result, error) {
	timeout := e.timeout(req.Step)
	if timeout <= 0 {
		return safeHandle(ctx, handler, req)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handled struct {
		result *Result
		err    error
	}

	done := make(chan handled, 1)

	go func() {
		result, err := safeHandle(attemptCtx, handler, req)
		done <- handled{result: result, err: err}
	}()

	select {
	case h := <-done:
		if h.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrStepTimeout, timeout, h.err)
		}

		return h.result, h.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
	}
}

func safeHandle(ctx context.Context, handler Handler, req *Request) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(models.ErrorCodeStepFailed, fmt.Errorf("step handler panicked: %v", r))
		}
	}()

	result, err = handler.Handle(ctx, req)
	if err == nil && result == nil {
		result = &Result{}
	}

	return result, err
}

func (e *Executor) success(record *attemptRecord, result *Result, attempts int) *Outcome {
	outcome := &Outcome{
		Status:   OutcomeCompleted,
		Output:   result.Output,
		Next:     result.Next,
		Attempts: attempts,
		Record:   record.StepExecution,
	}

	if result.Suspend != nil {
		outcome.Status = OutcomeSuspended
		outcome.Suspension = result.Suspend
	}

	return outcome
}

func (e *Executor) retryLater(record *attemptRecord, attempt int, wait time.Duration) *Outcome {
	resumeAt := e.now().Add(wait)

	return &Outcome{
		Status:      OutcomeSuspended,
		Suspension:  &Suspension{Reason: models.SuspendReasonRetry, ResumeAt: &resumeAt},
		Attempts:    attempt,
		NextAttempt: attempt + 1,
		Record:      record.StepExecution,
	}
}

func (e *Executor) failure(ctx context.Context, req *Request, record *models.StepExecution, cause *StepError, attempts int) (*Outcome, error) {
	detail := &models.ErrorDetail{
		Code:    models.ErrorCodeStepFailed,
		Message: fmt.Sprintf("step %s failed after %d attempt(s): %v", req.Step.ID, attempts, cause.Err),
		Context: map[string]any{
			"step_id":    req.Step.ID,
			"step_kind":  string(req.Step.Kind),
			"attempts":   attempts,
			"cause_code": cause.Code,
			"cause":      cause.Err.Error(),
		},
	}

	outcome := &Outcome{
		Status:   OutcomeFailed,
		Output:   cause.Output,
		Error:    detail,
		Err:      fmt.Errorf("%w: %s: %w", ErrStepFailed, req.Step.ID, cause),
		Attempts: attempts,
		Record:   record,
	}

	logger := log.FromContext(ctx)

	if req.Step.Skippable {
		record.Status = models.StepStatusSkipped
		if err := e.records.SaveStepExecution(context.WithoutCancel(ctx), record); err != nil {
			return nil, fmt.Errorf("failed to save step execution: %w", err)
		}

		outcome.Status = OutcomeSkipped

		logger.WarnContext(ctx, "Skippable step failed, skipping", "attempts", attempts, log.Error(cause))

		return outcome, nil
	}

	logger.ErrorContext(ctx, "Step failed", "attempts", attempts, "cause_code", cause.Code, log.Error(cause))

	return outcome, nil
}

func (e *Executor) retryPolicy(step *models.StepDefinition) (int, *backoff.ExponentialBackOff) {
	maxAttempts := e.policy.MaxAttempts
	initial := e.policy.InitialBackoff

	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			maxAttempts = step.Retry.MaxAttempts
		}

		if step.Retry.InitialBackoffMs > 0 {
			initial = time.Duration(step.Retry.InitialBackoffMs) * time.Millisecond
		}
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.MaxInterval = e.maxBackoff(step)
	bo.Reset()

	return maxAttempts, bo
}

// maxBackoff also caps the jitter, which may push NextBackOff above MaxInterval.
func (e *Executor) maxBackoff(step *models.StepDefinition) time.Duration {
	if step.Retry != nil && step.Retry.MaxBackoffMs > 0 {
		return time.Duration(step.Retry.MaxBackoffMs) * time.Millisecond
	}

	return e.policy.MaxBackoff
}

func (e *Executor) timeout(step *models.StepDefinition) time.Duration {
	if step.TimeoutMs > 0 {
		return time.Duration(step.TimeoutMs) * time.Millisecond
	}

	switch step.Kind {
	case models.StepKindCompute:
		return e.policy.SyncTimeout
	case models.StepKindExternalCall:
		return e.policy.ExternalTimeout
	default:
		return 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
