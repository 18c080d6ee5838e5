// Package protocol defines the contracts between the rule engine and its pluggable actions.
package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/flowengine/pkg/models"
)

// ActionInput is everything a rule action may read while firing.
type ActionInput struct {
	Event *models.DomainEvent
	Rule  *models.BusinessRule
	// Data is the template data the action config was rendered against.
	Data map[string]any
}

type Action interface {
	Execute(ctx context.Context, input ActionInput, logger *slog.Logger) (map[string]any, error)
}

// ActionFactory builds actions from a rendered config. Create must not have side effects.
type ActionFactory interface {
	Create(config map[string]any) (Action, error)
	ID() string
}
