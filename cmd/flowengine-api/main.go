package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowengine/pkg/cmd"
	"github.com/dukex/flowengine/pkg/config"
	"github.com/dukex/flowengine/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "flowengine-api"

func main() {
	flags := append(cmd.EngineFlags(), &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to run the API server on",
		Value:   config.DefaultPort,
		Sources: cli.EnvVars("PORT"),
	})

	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Author workflows, start executions and receive domain events",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")

			cfg := cmd.EngineConfig(command)
			cfg.Port = command.Int("port")

			logger.InfoContext(ctx, "Initializing Flowengine API", "event_bus", cfg.EventBus)

			flush := cmd.SetupTracing(ctx, logger, command.Bool("tracing"), serviceName)
			defer flush(context.Background())

			rt, err := cmd.NewRuntime(ctx, logger, cfg, serviceName)
			if err != nil {
				return err
			}

			shutdownCtx := context.WithoutCancel(ctx)
			defer rt.Close(shutdownCtx)

			return NewAPI(logger, rt).Start(ctx)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}
