// Package main provides the Flowengine API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/flowengine/pkg/cmd"
	"github.com/dukex/flowengine/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.logger, a.runtime.Engine, a.runtime.Publishing, a.validate)

	return web.NewApp(handlers, a.runtime.Metrics)
}

// Start serves until ctx is done. The sweepers run alongside so timers fire
// even when no worker process is deployed.
func (a *API) Start(ctx context.Context) error {
	if err := a.runtime.Sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	port := a.runtime.Config.Port

	a.logger.InfoContext(ctx, "Starting API server", "port", port)

	return a.App().Listen(":"+strconv.Itoa(port), fiber.ListenConfig{
		GracefulContext:       ctx,
		ShutdownTimeout:       a.runtime.Config.ShutdownTimeout,
		DisableStartupMessage: true,
	})
}
