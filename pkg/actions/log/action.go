// Package log provides the rule action that writes a structured log line.
package log

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/flowengine/pkg/protocol"
)

type Action struct {
	Message string
	Level   slog.Level
}

func NewAction(config map[string]any) *Action {
	message, _ := config["message"].(string)
	levelName, _ := config["level"].(string)

	return &Action{Message: message, Level: parseLevel(levelName)}
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *Action) Execute(ctx context.Context, input protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("action_type", "log")

	if input.Event != nil {
		logger = logger.With("entity_type", input.Event.EntityType, "entity_id", input.Event.EntityID)
	}

	logger.Log(ctx, a.Level, a.Message)

	return map[string]any{"message": a.Message, "level": a.Level.String()}, nil
}
