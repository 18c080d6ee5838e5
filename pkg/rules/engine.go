// Package rules evaluates tenant business rules against domain events and runs
// the actions of every rule that matches.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/events"
	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/otelhelper"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/dukex/flowengine/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrTenantMismatch indicates an event evaluated on behalf of another tenant.
var ErrTenantMismatch = errors.New("event belongs to another tenant")

type Engine struct {
	logger     *slog.Logger
	store      persistence.DefinitionStore
	executions persistence.RuleExecutionRepository
	audit      persistence.AuditLog
	registry   *registry.Registry
	evaluator  *expression.Evaluator
	publisher  eventbus.EventPublisher
	monitor    *FailureMonitor
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Engine)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

func WithMonitor(monitor *FailureMonitor) Option {
	return func(e *Engine) {
		e.monitor = monitor
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func NewEngine(
	logger *slog.Logger,
	store persistence.DefinitionStore,
	executions persistence.RuleExecutionRepository,
	audit persistence.AuditLog,
	registry *registry.Registry,
	evaluator *expression.Evaluator,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:     logger.With("module", "rule_engine"),
		store:      store,
		executions: executions,
		audit:      audit,
		registry:   registry,
		evaluator:  evaluator,
		publisher:  eventbus.NopPublisher{},
		monitor:    NewFailureMonitor(DefaultMonitorWindow, DefaultMonitorThreshold, DefaultMonitorMinSamples),
		tracer:     otelhelper.Tracer("flowengine/rules"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate fires every active rule of the event's entity type, one after the other,
// in priority order. The returned records are in firing order. A rule already
// recorded for the event id is not fired again; its stored record is returned.
// Events evaluated concurrently do not share state besides the repositories and
// the monitor.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, event *models.DomainEvent) ([]*models.RuleExecution, error) {
	if event.TenantID == "" {
		event.TenantID = tenantID
	}

	if event.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrTenantMismatch, event.TenantID)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "rules.evaluate",
		attribute.String(otelhelper.TenantIDKey, tenantID),
		attribute.String(otelhelper.EventIDKey, event.ID),
	)
	defer span.End()

	logger := e.logger.With(log.TenantID(tenantID), log.EventID(event.ID), "entity_type", event.EntityType)

	rules, err := e.store.ActiveRules(ctx, tenantID, event.EntityType)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	rules = applicable(rules, event.Trigger)
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w for %s/%s", persistence.ErrNoActiveRules, event.EntityType, event.Trigger)
	}

	persistence.SortRules(rules)

	fired, err := e.firedRules(ctx, tenantID, event.ID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	logger.DebugContext(ctx, "Evaluating rules", "count", len(rules), "already_fired", len(fired))

	results := make([]*models.RuleExecution, 0, len(rules))

	var last time.Time

	for i, rule := range rules {
		if previous, ok := fired[rule.ID]; ok {
			logger.DebugContext(ctx, "Rule already fired for event", log.RuleID(rule.ID))

			results = append(results, previous)

			continue
		}

		evaluatedAt := e.now()
		if !evaluatedAt.After(last) {
			evaluatedAt = last.Add(time.Microsecond)
		}

		last = evaluatedAt

		execution := e.fire(ctx, logger.With(log.RuleID(rule.ID)), rule, event, i+1, evaluatedAt)

		if err := e.record(ctx, logger, rule, execution); err != nil {
			return results, err
		}

		results = append(results, execution)
	}

	return results, nil
}

// firedRules maps rule id to the evaluation already recorded for eventID.
func (e *Engine) firedRules(ctx context.Context, tenantID, eventID string) (map[string]*models.RuleExecution, error) {
	recorded, err := e.executions.RuleExecutions(ctx, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule executions: %w", err)
	}

	fired := make(map[string]*models.RuleExecution, len(recorded))
	for _, execution := range recorded {
		fired[execution.RuleID] = execution
	}

	return fired, nil
}

func applicable(rules []*models.BusinessRule, trigger string) []*models.BusinessRule {
	out := make([]*models.BusinessRule, 0, len(rules))

	for _, rule := range rules {
		if rule.Active && rule.MatchesTrigger(trigger) {
			out = append(out, rule)
		}
	}

	return out
}

// fire evaluates one rule and runs its actions. Failures are recorded on the
// returned execution, never returned.
func (e *Engine) fire(
	ctx context.Context,
	logger *slog.Logger,
	rule *models.BusinessRule,
	event *models.DomainEvent,
	sequence int,
	evaluatedAt time.Time,
) *models.RuleExecution {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "rules.fire",
		attribute.String(otelhelper.RuleIDKey, rule.ID),
		attribute.Int("flowengine.rule.sequence", sequence),
	)
	defer span.End()

	execution := &models.RuleExecution{
		ID:          uuid.NewString(),
		TenantID:    rule.TenantID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Priority:    rule.Priority,
		EventID:     event.ID,
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		Trigger:     event.Trigger,
		Sequence:    sequence,
		EvaluatedAt: evaluatedAt,
	}

	defer func() {
		execution.CompletedAt = e.now()
		if execution.CompletedAt.Before(evaluatedAt) {
			execution.CompletedAt = evaluatedAt
		}

		execution.DurationMs = execution.CompletedAt.Sub(evaluatedAt).Milliseconds()
	}()

	matched, err := e.evaluator.Evaluate(ctx, rule.Condition, event.Data())

	switch {
	case err != nil && expression.IsTimeout(err):
		execution.Status = models.RuleExecutionUnmatched
		execution.Error = &models.ErrorDetail{
			Code:    models.ErrorCodeConditionTimeout,
			Message: err.Error(),
			Context: map[string]any{"timeout_ms": e.evaluator.Timeout().Milliseconds()},
		}

		logger.WarnContext(ctx, "Rule condition timed out, treating as unmatched", log.Error(err))

		return execution
	case err != nil:
		execution.Status = models.RuleExecutionFailed
		execution.Error = &models.ErrorDetail{
			Code:    models.ErrorCodeConditionError,
			Message: err.Error(),
			Context: map[string]any{"expression": rule.Condition.Expression, "language": rule.Condition.Language},
		}

		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Rule condition failed", log.Error(err))

		return execution
	case !matched:
		execution.Status = models.RuleExecutionUnmatched

		return execution
	}

	if len(rule.Actions) == 0 {
		execution.Status = models.RuleExecutionMatched

		return execution
	}

	if err := e.runActions(ctx, logger, rule, event, execution); err != nil {
		otelhelper.SetError(span, err)

		return execution
	}

	execution.Status = models.RuleExecutionSucceeded

	return execution
}

// runActions runs the actions in order. The first failure aborts the remaining
// actions of this rule only.
func (e *Engine) runActions(
	ctx context.Context,
	logger *slog.Logger,
	rule *models.BusinessRule,
	event *models.DomainEvent,
	execution *models.RuleExecution,
) error {
	data := template.EventData(event, rule)
	ctx = log.WithLogger(ctx, logger)

	for i, ruleAction := range rule.Actions {
		err := e.runAction(ctx, logger, ruleAction, protocol.ActionInput{Event: event, Rule: rule, Data: data})
		if err != nil {
			execution.Status = models.RuleExecutionFailed
			execution.Error = &models.ErrorDetail{
				Code:    models.ErrorCodeActionFailed,
				Message: err.Error(),
				Context: map[string]any{
					"failed_action":      i,
					"failed_action_type": ruleAction.Type,
					"actions_completed":  i,
				},
			}

			logger.ErrorContext(ctx, "Rule action failed",
				"action_index", i, "action_type", ruleAction.Type, log.Error(err))

			return err
		}

		execution.ActionsExecuted++
	}

	return nil
}

func (e *Engine) runAction(ctx context.Context, logger *slog.Logger, ruleAction models.RuleAction, input protocol.ActionInput) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "rules.action",
		attribute.String(otelhelper.ActionTypeKey, ruleAction.Type),
	)
	defer span.End()

	config, err := template.RenderConfig(ruleAction.Config, input.Data)
	if err != nil {
		return fmt.Errorf("failed to render action config: %w", err)
	}

	action, err := e.registry.CreateAction(ruleAction.Type, config)
	if err != nil {
		return err
	}

	if _, err := action.Execute(ctx, input, logger.With("action_type", ruleAction.Type)); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// record persists the evaluation, updates the rule statistics and the failure
// monitor, and announces the result.
func (e *Engine) record(ctx context.Context, logger *slog.Logger, rule *models.BusinessRule, execution *models.RuleExecution) error {
	if err := e.executions.SaveRuleExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to save rule execution: %w", err)
	}

	stats, err := e.executions.RecordRuleOutcome(ctx, rule.TenantID, rule.ID, execution.Failed(), execution.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record rule outcome: %w", err)
	}

	e.metrics.RecordRuleEvaluation(string(execution.Status), time.Duration(execution.DurationMs)*time.Millisecond)

	ratio, flag := e.monitor.Observe(rule.TenantID, rule.ID, execution.Failed())
	if flag != stats.Flagged {
		if err := e.executions.FlagRule(ctx, rule.TenantID, rule.ID, flag); err != nil {
			return fmt.Errorf("failed to flag rule: %w", err)
		}

		e.metrics.SetRuleFlagged(rule.TenantID, rule.ID, flag)

		if flag {
			logger.WarnContext(ctx, "Rule failure ratio above threshold, flagging for review",
				log.RuleID(rule.ID), "failure_ratio", ratio)
		} else {
			logger.InfoContext(ctx, "Rule failure ratio recovered", log.RuleID(rule.ID), "failure_ratio", ratio)
		}
	}

	entry := &models.AuditEntry{
		ID:       uuid.NewString(),
		TenantID: rule.TenantID,
		RuleID:   rule.ID,
		Kind:     models.AuditKindRuleEvaluated,
		To:       string(execution.Status),
		Message:  fmt.Sprintf("rule %s %s for event %s", rule.Name, execution.Status, execution.EventID),
		Data: map[string]any{
			"event_id":         execution.EventID,
			"sequence":         execution.Sequence,
			"actions_executed": execution.ActionsExecuted,
		},
		Actor: "rule_engine",
		At:    execution.CompletedAt,
	}

	if execution.Error != nil {
		entry.Data["error_code"] = execution.Error.Code
	}

	if err := e.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	event := &events.RuleExecuted{
		BaseEvent: events.NewBaseEvent(events.RuleExecutedEvent, rule.TenantID),
		Execution: *execution,
	}

	if err := e.publisher.Publish(ctx, execution.EventID, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish rule executed event", log.RuleID(rule.ID), log.Error(err))
	}

	return nil
}
