package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/services"
	"github.com/dukex/flowengine/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const defaultActor = "api"

type APIHandlers struct {
	logger     *slog.Logger
	engine     *services.Engine
	publishing *workflow.PublishingService
	validator  *validator.Validate
	now        func() time.Time
}

// NewAPIHandlers creates the handlers. A nil publishing service disables the
// definition and rule authoring routes.
func NewAPIHandlers(
	logger *slog.Logger,
	engine *services.Engine,
	publishing *workflow.PublishingService,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:     logger.With("module", "api"),
		engine:     engine,
		publishing: publishing,
		validator:  validator,
		now:        time.Now,
	}
}

// actorContext records the caller of an operator command.
func actorContext(c fiber.Ctx) (context.Context, string) {
	actor := c.Get(ActorHeader, defaultActor)

	return coordinator.WithActor(c.Context(), actor), actor
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.engine.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowengine API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Flowengine API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": h.now().UTC(),
	})
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, actor := actorContext(c)

	handle, err := h.engine.StartExecution(ctx, req.ToStartRequest(c.Params("tenant"), actor))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	status := fiber.StatusOK
	if handle.Created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(handle)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	view, err := h.engine.GetExecution(c.Context(), c.Params("tenant"), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(view)
}

func (h *APIHandlers) GetExecutionLog(c fiber.Ctx) error {
	id := c.Params("id")

	entries, err := h.engine.ExecutionLog(c.Context(), c.Params("tenant"), id)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(ExecutionLogResponse{ExecutionID: id, Entries: entries})
}

type operatorCommand func(ctx context.Context, tenantID, executionID string) (*models.ExecutionView, error)

func (h *APIHandlers) command(op operatorCommand) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx, _ := actorContext(c)

		view, err := op(ctx, c.Params("tenant"), c.Params("id"))
		if err != nil {
			return handleServiceError(c, h.logger, err)
		}

		return c.JSON(view)
	}
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	return h.command(h.engine.Cancel)(c)
}

func (h *APIHandlers) SuspendExecution(c fiber.Ctx) error {
	return h.command(h.engine.Suspend)(c)
}

func (h *APIHandlers) RetryExecution(c fiber.Ctx) error {
	return h.command(h.engine.Retry)(c)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	var req ResumeRequest

	// An empty body resumes without input.
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	ctx, _ := actorContext(c)

	view, err := h.engine.Resume(ctx, c.Params("tenant"), c.Params("id"), req.Input)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(view)
}

// bindEvent reads a domain event, filling the id and occurrence time when absent.
func (h *APIHandlers) bindEvent(c fiber.Ctx) (*models.DomainEvent, error) {
	var event models.DomainEvent
	if err := c.Bind().JSON(&event); err != nil {
		return nil, err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = h.now().UTC()
	}

	return &event, nil
}

func (h *APIHandlers) EvaluateRules(c fiber.Ctx) error {
	event, err := h.bindEvent(c)
	if err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	executions, err := h.engine.EvaluateRules(c.Context(), c.Params("tenant"), event)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(RuleEvaluationResponse{EventID: event.ID, RuleExecutions: executions})
}

func (h *APIHandlers) EmitEvent(c fiber.Ctx) error {
	event, err := h.bindEvent(c)
	if err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, err := h.engine.EmitEvent(c.Context(), c.Params("tenant"), event)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) SaveDefinition(c fiber.Ctx) error {
	var def models.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	def.TenantID = c.Params("tenant")
	def.ID = c.Params("id")

	saved, err := h.publishing.SaveDraft(c.Context(), &def)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(saved)
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	published, err := h.publishing.Publish(c.Context(), c.Params("tenant"), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) UnpublishDefinition(c fiber.Ctx) error {
	unpublished, err := h.publishing.Unpublish(c.Context(), c.Params("tenant"), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(unpublished)
}

func (h *APIHandlers) SaveRule(c fiber.Ctx) error {
	var rule models.BusinessRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	rule.TenantID = c.Params("tenant")
	rule.ID = c.Params("id")

	saved, err := h.publishing.SaveRule(c.Context(), &rule)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(saved)
}
