package main

import (
	"context"
	"fmt"

	"github.com/dukex/flowengine/pkg/cmd"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/worker"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Consume the event bus and run the sweepers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule(serviceName).With("worker_id", workerID)

			cfg := cmd.EngineConfig(command)
			cfg.WorkerID = workerID

			logger.InfoContext(ctx, "Initializing Flowengine Worker",
				"event_bus", cfg.EventBus, "concurrency", cfg.Concurrency)

			flush := cmd.SetupTracing(ctx, logger, command.Bool("tracing"), serviceName)
			defer flush(context.Background())

			rt, err := cmd.NewRuntime(ctx, logger, cfg, serviceName)
			if err != nil {
				return err
			}

			defer rt.Close(context.WithoutCancel(ctx))

			if err := rt.Sweeper.Start(ctx); err != nil {
				return fmt.Errorf("failed to start sweeper: %w", err)
			}

			manager := worker.NewManager(workerID, logger, rt.Engine, rt.Coordinator, rt.Bus, rt.Pool)

			return manager.Start(ctx)
		},
	}
}
