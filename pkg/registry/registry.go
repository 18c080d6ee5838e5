// Package registry holds the action factories available to the rule engine.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/flowengine/pkg/protocol"
)

// ErrActionNotRegistered indicates a rule references an unknown action type.
var ErrActionNotRegistered = errors.New("action type not registered")

// Registry is built at construction time and passed to the rule engine.
type Registry struct {
	logger          *slog.Logger
	mu              sync.RWMutex
	actionFactories map[string]protocol.ActionFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log,
		actionFactories: make(map[string]protocol.ActionFactory),
	}
}

func (r *Registry) RegisterAction(actionFactory protocol.ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actionFactories[actionFactory.ID()] = actionFactory

	r.logger.Debug("Registered action", slog.String("type", actionFactory.ID()))
}

func (r *Registry) CreateAction(actionType string, config map[string]any) (protocol.Action, error) {
	r.mu.RLock()
	factory, ok := r.actionFactories[actionType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrActionNotRegistered, actionType)
	}

	if config == nil {
		config = map[string]any{}
	}

	return factory.Create(config)
}

func (r *Registry) HasAction(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.actionFactories[actionType]

	return ok
}

// ActionTypes returns the registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.actionFactories))
	for actionType := range r.actionFactories {
		types = append(types, actionType)
	}

	slices.Sort(types)

	return types
}
