package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/events"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/services"
)

// EventEmitter handles inbound domain events. Implemented by services.Engine.
type EventEmitter interface {
	EmitEvent(ctx context.Context, tenantID string, event *models.DomainEvent) (*services.EmitResult, error)
}

type Manager struct {
	id       string
	logger   *slog.Logger
	emitter  EventEmitter
	advancer Advancer
	bus      eventbus.EventSubscriber
	pool     *Pool
}

func NewManager(
	id string,
	logger *slog.Logger,
	emitter EventEmitter,
	advancer Advancer,
	bus eventbus.EventSubscriber,
	pool *Pool,
) *Manager {
	return &Manager{
		id:       id,
		logger:   logger.With("module", "worker", "worker_id", id),
		emitter:  emitter,
		advancer: advancer,
		bus:      bus,
		pool:     pool,
	}
}

// Start subscribes to the bus and blocks until ctx is done and in-flight
// advances returned.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting worker manager")

	if err := m.bus.Handle(events.DomainEventReceivedEvent, m.handleDomainEvent); err != nil {
		return fmt.Errorf("failed to register domain event handler: %w", err)
	}

	if err := m.bus.Handle(events.ExecutionReadyEvent, m.handleExecutionReady); err != nil {
		return fmt.Errorf("failed to register execution ready handler: %w", err)
	}

	if err := m.bus.Subscribe(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", log.Error(err))

		return err
	}

	m.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()

	m.logger.InfoContext(ctx, "Shutting down worker, waiting for running executions")
	m.pool.Wait()

	return nil
}

// handleDomainEvent runs rules and starts triggered executions. A failure nacks
// the message. On redelivery, rules already recorded for the event id are not
// fired again and starts are keyed by event id; a rule whose actions ran but
// whose evaluation was not recorded before the failure runs its actions again.
func (m *Manager) handleDomainEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.DomainEventReceived)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for DomainEventReceived")

		return nil
	}

	tenantID := received.TenantID
	if tenantID == "" {
		tenantID = received.Event.TenantID
	}

	logger := m.logger.With(log.TenantID(tenantID), log.EventID(received.Event.ID))
	logger.DebugContext(ctx, "Processing domain event", "trigger", received.Event.Trigger)

	result, err := m.emitter.EmitEvent(ctx, tenantID, &received.Event)
	if err != nil {
		if services.IsValidationError(err) {
			logger.WarnContext(ctx, "Dropping invalid domain event", log.Error(err))

			return nil
		}

		return err
	}

	logger.InfoContext(ctx, "Domain event processed",
		"rule_executions", len(result.RuleExecutions), "executions", len(result.Executions))

	return nil
}

// handleExecutionReady queues the execution on the pool. The message is acked once
// queued; executions lost to a crash are picked up by the stalled sweep.
func (m *Manager) handleExecutionReady(ctx context.Context, event any) error {
	ready, ok := event.(*events.ExecutionReady)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for ExecutionReady")

		return nil
	}

	return m.pool.Submit(ctx, func(ctx context.Context) error {
		return m.advancer.Advance(ctx, ready.TenantID, ready.ExecutionID)
	})
}
