package web

import (
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp wires the handlers into a fiber application.
func NewApp(handlers *APIHandlers, m *metrics.Metrics) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowengine API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	t := app.Group("/tenants/:tenant")

	e := t.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/log", handlers.GetExecutionLog)
	e.Post("/:id/cancel", handlers.CancelExecution)
	e.Post("/:id/suspend", handlers.SuspendExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/retry", handlers.RetryExecution)

	t.Post("/rules/evaluate", handlers.EvaluateRules)
	t.Post("/events", handlers.EmitEvent)

	if handlers.publishing != nil {
		t.Put("/definitions/:id", handlers.SaveDefinition)
		t.Post("/definitions/:id/publish", handlers.PublishDefinition)
		t.Post("/definitions/:id/unpublish", handlers.UnpublishDefinition)
		t.Put("/rules/:id", handlers.SaveRule)
	}

	return app
}
