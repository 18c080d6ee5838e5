package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/rules"
	"github.com/dukex/flowengine/pkg/trigger"
	"github.com/go-playground/validator/v10"
)

// TriggerTypeDomainEvent marks executions started by a domain event.
const TriggerTypeDomainEvent = "domain_event"

// HealthChecker is implemented by every persistence backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Engine struct {
	logger      *slog.Logger
	coordinator *coordinator.Coordinator
	rules       *rules.Engine
	definitions persistence.DefinitionStore
	audit       persistence.AuditLog
	matcher     *trigger.Matcher
	health      HealthChecker
	validate    *validator.Validate
}

func NewEngine(
	logger *slog.Logger,
	coord *coordinator.Coordinator,
	ruleEngine *rules.Engine,
	definitions persistence.DefinitionStore,
	audit persistence.AuditLog,
	health HealthChecker,
) *Engine {
	return &Engine{
		logger:      logger.With("module", "engine_service"),
		coordinator: coord,
		rules:       ruleEngine,
		definitions: definitions,
		audit:       audit,
		matcher:     trigger.NewMatcher(logger),
		health:      health,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// HealthCheck checks the health of the persistence layer.
func (e *Engine) HealthCheck(ctx context.Context) (string, bool) {
	if e.health == nil {
		return "Persistence layer not initialized", false
	}

	if err := e.health.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (e *Engine) StartExecution(ctx context.Context, req models.StartRequest) (*models.ExecutionHandle, error) {
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}

	return e.coordinator.Start(ctx, req)
}

func (e *Engine) GetExecution(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	return e.coordinator.Get(ctx, tenantID, executionID)
}

// ExecutionLog returns the audit entries of an execution in append order.
func (e *Engine) ExecutionLog(ctx context.Context, tenantID, executionID string) ([]*models.AuditEntry, error) {
	if _, err := e.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}

	return e.audit.Entries(ctx, tenantID, executionID)
}

func (e *Engine) Cancel(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	return e.coordinator.Cancel(ctx, tenantID, executionID)
}

func (e *Engine) Suspend(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	return e.coordinator.Suspend(ctx, tenantID, executionID)
}

func (e *Engine) Resume(ctx context.Context, tenantID, executionID string, input map[string]any) (*models.ExecutionView, error) {
	return e.coordinator.Resume(ctx, tenantID, executionID, input)
}

func (e *Engine) Retry(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error) {
	return e.coordinator.Retry(ctx, tenantID, executionID)
}

// EvaluateRules runs the active rules of the event's entity type.
func (e *Engine) EvaluateRules(ctx context.Context, tenantID string, event *models.DomainEvent) ([]*models.RuleExecution, error) {
	if err := e.validateEvent(tenantID, event); err != nil {
		return nil, err
	}

	return e.rules.Evaluate(ctx, tenantID, event)
}

// StartFailure reports a definition the event matched but could not start.
type StartFailure struct {
	DefinitionID string `json:"definition_id"`
	Error        string `json:"error"`
}

// EmitResult is everything a domain event caused.
type EmitResult struct {
	RuleExecutions []*models.RuleExecution   `json:"rule_executions"`
	Executions     []*models.ExecutionHandle `json:"executions"`
	Failures       []StartFailure            `json:"failures,omitempty"`
}

// EmitEvent evaluates the rules of the event and starts every published
// definition whose trigger matches it. Redelivery of the same event starts
// nothing new.
func (e *Engine) EmitEvent(ctx context.Context, tenantID string, event *models.DomainEvent) (*EmitResult, error) {
	if err := e.validateEvent(tenantID, event); err != nil {
		return nil, err
	}

	logger := e.logger.With(log.TenantID(tenantID), log.EventID(event.ID))
	result := &EmitResult{
		RuleExecutions: []*models.RuleExecution{},
		Executions:     []*models.ExecutionHandle{},
	}

	ruleExecutions, err := e.rules.Evaluate(ctx, tenantID, event)

	switch {
	case persistence.IsNoActiveRules(err):
		logger.DebugContext(ctx, "No active rules for event", "entity_type", event.EntityType)
	case err != nil:
		return nil, fmt.Errorf("failed to evaluate rules: %w", err)
	default:
		result.RuleExecutions = ruleExecutions
	}

	definitions, err := e.definitions.DefinitionsByTrigger(ctx, tenantID, event.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to load triggered definitions: %w", err)
	}

	for _, match := range e.matcher.Match(event, definitions) {
		def := match.Definition

		handle, err := e.coordinator.Start(ctx, models.StartRequest{
			TenantID:     tenantID,
			DefinitionID: def.ID,
			ExecutionKey: trigger.ExecutionKey(event.ID, def.ID),
			Variables:    models.CloneMap(event.Snapshot),
			TriggerType:  TriggerTypeDomainEvent,
			TriggerData:  event.Data(),
			Actor:        "event:" + event.ID,
		})
		if err != nil {
			logger.WarnContext(ctx, "Failed to start triggered definition", log.DefinitionID(def.ID), log.Error(err))

			result.Failures = append(result.Failures, StartFailure{DefinitionID: def.ID, Error: err.Error()})

			continue
		}

		result.Executions = append(result.Executions, handle)
	}

	logger.InfoContext(ctx, "Event processed",
		"rule_executions", len(result.RuleExecutions),
		"executions", len(result.Executions),
		"failures", len(result.Failures))

	return result, nil
}

func (e *Engine) validateEvent(tenantID string, event *models.DomainEvent) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	if event == nil {
		return ErrEventNil
	}

	if event.TenantID == "" {
		event.TenantID = tenantID
	}

	if err := e.validate.Struct(event); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewValidationError("validate_event", "INVALID_EVENT", validationErrors.Error(), ErrInvalidRequest)
		}

		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return nil
}
