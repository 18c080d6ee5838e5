package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowengine/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "flowengine-worker"

func main() {
	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Advance workflow executions and evaluate rules for domain events",
		EnableShellCompletion: true,
		Flags:                 cmd.EngineFlags(),
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}
