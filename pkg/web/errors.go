package web

import (
	"errors"
	"log/slog"

	"github.com/dukex/flowengine/pkg/services"
	"github.com/dukex/flowengine/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// handleServiceError maps service layer errors to problem documents.
func handleServiceError(c fiber.Ctx, logger *slog.Logger, err error) error {
	switch {
	case services.IsValidationError(err), workflow.IsInvalid(err):
		return badRequest(c, err.Error())

	case services.IsNotFoundError(err):
		problem := problems.NewStatusProblem(fiber.StatusNotFound).
			WithInstance(c.Path()).
			WithType("not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case services.IsConflictError(err),
		errors.Is(err, workflow.ErrDefinitionImmutable),
		errors.Is(err, workflow.ErrNotPublished):
		problem := problems.NewStatusProblem(fiber.StatusConflict).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		logger.ErrorContext(c.Context(), "Request failed", "path", c.Path(), "error", err)

		// Don't expose internal details
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithDetail("internal error")

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
