// Package coordinator owns the lifecycle of workflow executions: it starts them,
// drives their steps one at a time under a lease and applies operator commands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/events"
	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/otelhelper"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/schema"
	"github.com/dukex/flowengine/pkg/steps"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLeaseTTL = 30 * time.Second

	maxUpdateRetries = 5
)

var (
	// ErrInvalidTransition indicates a state change the lifecycle does not allow,
	// or a branch naming a step that does not exist.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrIllegalState indicates an operator command not applicable in the current status.
	ErrIllegalState = errors.New("illegal state for operation")

	// ErrInvalidVariables indicates variables rejected by the definition's schema.
	ErrInvalidVariables = errors.New("invalid variables")

	// ErrInvalidRequest indicates a start request missing required fields.
	ErrInvalidRequest = errors.New("invalid start request")

	// errCancelObserved stops the retries of a step once a cancellation was requested.
	errCancelObserved = errors.New("cancellation requested")
)

func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalState)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsInvalidVariables(err error) bool {
	return errors.Is(err, ErrInvalidVariables)
}

// Store is the persistence the coordinator writes to.
type Store interface {
	persistence.ExecutionRepository
	persistence.StepExecutionRepository
	persistence.AuditLog
}

// Dispatcher hands an execution to a worker that will call Advance.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, executionID string) error
}

type DispatcherFunc func(ctx context.Context, tenantID, executionID string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, tenantID, executionID string) error {
	return f(ctx, tenantID, executionID)
}

type Coordinator struct {
	logger      *slog.Logger
	definitions persistence.DefinitionStore
	store       Store
	leases      persistence.LeaseRepository
	executor    *steps.Executor
	dispatcher  Dispatcher
	publisher   eventbus.EventPublisher
	schemas     *schema.Validator
	validate    *validator.Validate
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	now         func() time.Time
	owner       string
	leaseTTL    time.Duration

	// executor construction inputs
	evaluator  *expression.Evaluator
	httpClient *http.Client
	policy     steps.Policy
	sleeper    func(ctx context.Context, d time.Duration) error
	handlers   map[models.StepKind]steps.Handler
}

type Option func(*Coordinator)

func WithDispatcher(dispatcher Dispatcher) Option {
	return func(c *Coordinator) {
		c.dispatcher = dispatcher
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(c *Coordinator) {
		c.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithOwner sets the prefix of the lease tokens, usually the worker id.
func WithOwner(owner string) Option {
	return func(c *Coordinator) {
		c.owner = owner
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

func WithStepPolicy(policy steps.Policy) Option {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

func WithEvaluator(evaluator *expression.Evaluator) Option {
	return func(c *Coordinator) {
		c.evaluator = evaluator
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.httpClient = client
	}
}

// WithStepSleeper replaces the retry backoff wait of the step executor.
func WithStepSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleeper = sleep
	}
}

// WithHandler overrides the handler of one step kind.
func WithHandler(kind models.StepKind, handler steps.Handler) Option {
	return func(c *Coordinator) {
		c.handlers[kind] = handler
	}
}

func New(
	logger *slog.Logger,
	definitions persistence.DefinitionStore,
	store Store,
	leases persistence.LeaseRepository,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		logger:      logger.With("module", "coordinator"),
		definitions: definitions,
		store:       store,
		leases:      leases,
		publisher:   eventbus.NopPublisher{},
		schemas:     schema.NewValidator(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		tracer:      otelhelper.Tracer("flowengine/coordinator"),
		now:         time.Now,
		owner:       "coordinator-" + uuid.NewString(),
		leaseTTL:    DefaultLeaseTTL,
		evaluator:   expression.NewEvaluator(expression.DefaultTimeout),
		httpClient:  &http.Client{},
		policy:      steps.DefaultPolicy(),
		handlers:    make(map[models.StepKind]steps.Handler),
	}

	for _, opt := range opts {
		opt(c)
	}

	handlers := steps.DefaultHandlers(c.evaluator, c.httpClient, c)
	for kind, handler := range c.handlers {
		handlers[kind] = handler
	}

	execOpts := []steps.Option{
		steps.WithPolicy(c.policy),
		steps.WithClock(c.now),
		steps.WithMetrics(c.metrics),
		steps.WithTracer(c.tracer),
	}
	if c.sleeper != nil {
		execOpts = append(execOpts, steps.WithSleeper(c.sleeper))
	}

	c.executor = steps.NewExecutor(logger, store, handlers, execOpts...)

	return c
}

// Start creates an execution of a published definition, or returns the one that
// already exists for (tenant, definition, execution key).
func (c *Coordinator) Start(ctx context.Context, req models.StartRequest) (*models.ExecutionHandle, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "coordinator.start",
		attribute.String(otelhelper.TenantIDKey, req.TenantID),
		attribute.String(otelhelper.DefinitionIDKey, req.DefinitionID),
	)
	defer span.End()

	logger := c.logger.With(log.TenantID(req.TenantID), log.DefinitionID(req.DefinitionID))

	// A known key answers with the existing execution even after its
	// definition was unpublished.
	if req.ExecutionKey != "" {
		existing, err := c.store.ExecutionByKey(ctx, req.TenantID, req.DefinitionID, req.ExecutionKey)
		if err == nil {
			logger.DebugContext(ctx, "Execution already exists for key",
				log.ExecutionID(existing.ID), "execution_key", req.ExecutionKey)

			return &models.ExecutionHandle{
				ExecutionID: existing.ID,
				TenantID:    existing.TenantID,
				Status:      existing.Status,
			}, nil
		}

		if !persistence.IsExecutionNotFound(err) {
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("failed to look up execution key: %w", err)
		}
	}

	def, err := c.definitions.PublishedDefinition(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load definition: %w", err)
	}

	cacheKey := fmt.Sprintf("%s/%s/%d", def.TenantID, def.ID, def.Version)
	if err := c.schemas.Validate(cacheKey, def.VariableSchema, req.Variables); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVariables, err)
	}

	first := def.FirstStep()
	if first == nil {
		return nil, fmt.Errorf("%w: definition %s has no steps", ErrInvalidTransition, def.ID)
	}

	key := req.ExecutionKey
	if key == "" {
		key = uuid.NewString()
	}

	variables := models.CloneMap(req.Variables)
	if variables == nil {
		variables = map[string]any{}
	}

	now := c.now()
	execution := &models.WorkflowExecution{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		ExecutionKey:      key,
		Status:            models.ExecutionStatusPending,
		CurrentStepID:     first.ID,
		Variables:         variables,
		TriggerType:       req.TriggerType,
		TriggerData:       models.CloneMap(req.TriggerData),
		TotalSteps:        def.TotalSteps(),
		Attempt:           1,
		StartedAt:         now,
		UpdatedAt:         now,
		ParentExecutionID: req.ParentExecutionID,
		ParentStepID:      req.ParentStepID,
		Actor:             req.Actor,
	}
	execution.Progress = progress(def, execution)

	stored, created, err := c.store.CreateExecution(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	handle := &models.ExecutionHandle{
		ExecutionID: stored.ID,
		TenantID:    stored.TenantID,
		Status:      stored.Status,
		Created:     created,
	}

	if !created {
		logger.DebugContext(ctx, "Execution already exists for key", log.ExecutionID(stored.ID), "execution_key", key)

		return handle, nil
	}

	c.metrics.RecordExecutionStarted(def.ID)
	c.recordTransition(ctx, stored, "", req.Actor, "execution created")

	logger.InfoContext(ctx, "Execution created", log.ExecutionID(stored.ID), "execution_key", key)

	c.dispatch(ctx, stored)

	return handle, nil
}

// Get returns the execution and every step attempt recorded for it.
func (c *Coordinator) Get(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	execution, err := c.store.ExecutionByID(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}

	return c.view(ctx, execution)
}

func (c *Coordinator) view(ctx context.Context, execution *models.WorkflowExecution) (*models.ExecutionView, error) {
	attempts, err := c.store.StepExecutions(ctx, execution.TenantID, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step executions: %w", err)
	}

	return &models.ExecutionView{Execution: execution, Steps: attempts}, nil
}

func (c *Coordinator) dispatch(ctx context.Context, execution *models.WorkflowExecution) {
	if c.dispatcher == nil {
		return
	}

	if err := c.dispatcher.Dispatch(ctx, execution.TenantID, execution.ID); err != nil {
		// The stalled execution sweep picks it up again.
		c.logger.WarnContext(ctx, "Failed to dispatch execution",
			log.TenantID(execution.TenantID), log.ExecutionID(execution.ID), log.Error(err))
	}
}

// recordTransition appends the audit entry and publishes the lifecycle event of a
// status change that was already persisted.
func (c *Coordinator) recordTransition(ctx context.Context, execution *models.WorkflowExecution, from models.ExecutionStatus, actor, message string) {
	c.metrics.RecordTransition(string(execution.Status))

	entry := &models.AuditEntry{
		ID:          uuid.NewString(),
		TenantID:    execution.TenantID,
		ExecutionID: execution.ID,
		Kind:        models.AuditKindStateTransition,
		From:        string(from),
		To:          string(execution.Status),
		StepID:      execution.CurrentStepID,
		Message:     message,
		Actor:       actor,
		At:          c.now(),
	}

	if execution.Error != nil {
		entry.Data = map[string]any{"error_code": execution.Error.Code, "error": execution.Error.Message}
	}

	if execution.SuspendReason != "" {
		if entry.Data == nil {
			entry.Data = map[string]any{}
		}

		entry.Data["suspend_reason"] = execution.SuspendReason
	}

	if err := c.store.Append(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "Failed to append audit entry", log.ExecutionID(execution.ID), log.Error(err))
	}

	eventType, ok := events.ExecutionStatusEvents[execution.Status]

	switch {
	case execution.Status == models.ExecutionStatusRunning && from == models.ExecutionStatusPending:
		eventType, ok = events.ExecutionStartedEvent, true
	case execution.Status == models.ExecutionStatusRunning:
		eventType, ok = events.ExecutionResumedEvent, true
	}

	if !ok {
		return
	}

	event := events.NewExecutionLifecycle(eventType, execution)
	if actor != "" {
		event.Actor = actor
	}

	if err := c.publisher.Publish(ctx, execution.ID, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish execution event",
			log.ExecutionID(execution.ID), "event_type", eventType, log.Error(err))
	}
}

func (c *Coordinator) recordStepOutcome(ctx context.Context, execution *models.WorkflowExecution, step *models.StepDefinition, outcome *steps.Outcome) {
	entry := &models.AuditEntry{
		ID:          uuid.NewString(),
		TenantID:    execution.TenantID,
		ExecutionID: execution.ID,
		Kind:        models.AuditKindStepOutcome,
		StepID:      step.ID,
		To:          string(outcome.Status),
		Message:     fmt.Sprintf("step %s %s after %d attempt(s)", step.ID, outcome.Status, outcome.Attempts),
		Data:        map[string]any{"attempts": outcome.Attempts, "step_kind": string(step.Kind)},
		At:          c.now(),
	}

	if outcome.Error != nil {
		entry.Data["error_code"] = outcome.Error.Code
	}

	if err := c.store.Append(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "Failed to append audit entry", log.ExecutionID(execution.ID), log.Error(err))
	}

	eventType := events.StepCompletedEvent
	if outcome.Status == steps.OutcomeFailed || outcome.Status == steps.OutcomeSkipped {
		eventType = events.StepFailedEvent
	}

	if outcome.Status == steps.OutcomeSuspended {
		return
	}

	event := &events.StepOutcome{
		BaseEvent:   events.NewBaseEvent(eventType, execution.TenantID),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		StepKind:    step.Kind,
		Attempt:     outcome.Attempts,
		Output:      outcome.Output,
		Error:       outcome.Error,
	}

	if outcome.Record != nil {
		event.DurationMs = outcome.Record.DurationMs()
	}

	if err := c.publisher.Publish(ctx, execution.ID, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish step event", log.ExecutionID(execution.ID), log.Error(err))
	}
}

// progress returns completed/total as a percentage. Linear definitions use the
// static step count; branching ones estimate the remaining steps in declared
// order from the current pointer.
func progress(def *models.WorkflowDefinition, execution *models.WorkflowExecution) float64 {
	if execution.Status == models.ExecutionStatusCompleted {
		execution.TotalSteps = max(execution.TotalSteps, execution.CompletedSteps)

		return 100
	}

	total := def.TotalSteps()
	if !def.IsLinear() {
		total = execution.CompletedSteps + def.RemainingFrom(execution.CurrentStepID)
	}

	execution.TotalSteps = total

	if total == 0 {
		return 0
	}

	return min(float64(execution.CompletedSteps)/float64(total)*100, 100)
}

type actorKey struct{}

// WithActor records who issues the operator commands made with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context, fallback string) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}

	return fallback
}
