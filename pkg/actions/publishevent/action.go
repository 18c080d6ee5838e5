// Package publishevent provides the rule action that emits a new domain event.
package publishevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/events"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/protocol"
	"github.com/google/uuid"
)

var ErrMissingTrigger = errors.New("publish_event requires 'trigger'")

type Action struct {
	EntityType string
	EntityID   string
	Trigger    string
	Snapshot   map[string]any

	publisher eventbus.EventPublisher
}

func NewAction(config map[string]any, publisher eventbus.EventPublisher) (*Action, error) {
	trigger, _ := config["trigger"].(string)
	if trigger == "" {
		return nil, ErrMissingTrigger
	}

	entityType, _ := config["entity_type"].(string)
	entityID, _ := config["entity_id"].(string)
	snapshot, _ := config["snapshot"].(map[string]any)

	return &Action{
		EntityType: entityType,
		EntityID:   entityID,
		Trigger:    trigger,
		Snapshot:   snapshot,
		publisher:  publisher,
	}, nil
}

// Execute publishes the event. Missing entity fields default to the firing event's.
func (a *Action) Execute(ctx context.Context, input protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	event := models.DomainEvent{
		ID:         uuid.NewString(),
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Trigger:    a.Trigger,
		Snapshot:   a.Snapshot,
		OccurredAt: time.Now().UTC(),
	}

	if input.Event != nil {
		event.TenantID = input.Event.TenantID

		if event.EntityType == "" {
			event.EntityType = input.Event.EntityType
		}

		if event.EntityID == "" {
			event.EntityID = input.Event.EntityID
		}
	}

	err := a.publisher.Publish(ctx, event.EntityID, &events.DomainEventReceived{
		BaseEvent: events.NewBaseEvent(events.DomainEventReceivedEvent, event.TenantID),
		Event:     event,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish domain event: %w", err)
	}

	logger.InfoContext(ctx, "Published domain event", "event_id", event.ID, "trigger", event.Trigger)

	return map[string]any{"event_id": event.ID}, nil
}

type ActionFactory struct {
	publisher eventbus.EventPublisher
}

func NewActionFactory(publisher eventbus.EventPublisher) *ActionFactory {
	return &ActionFactory{publisher: publisher}
}

func (*ActionFactory) ID() string {
	return "publish_event"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config, f.publisher)
}
