package worker

import (
	"context"
	"fmt"

	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/events"
)

// Advancer moves one execution forward. Implemented by the coordinator.
type Advancer interface {
	Advance(ctx context.Context, tenantID, executionID string) error
}

// LocalDispatcher advances executions in process. Dispatch never blocks.
type LocalDispatcher struct {
	pool     *Pool
	advancer Advancer
}

func NewLocalDispatcher(pool *Pool, advancer Advancer) *LocalDispatcher {
	return &LocalDispatcher{pool: pool, advancer: advancer}
}

// SetAdvancer completes construction when the advancer needs the dispatcher itself.
func (d *LocalDispatcher) SetAdvancer(advancer Advancer) {
	d.advancer = advancer
}

func (d *LocalDispatcher) Dispatch(_ context.Context, tenantID, executionID string) error {
	d.pool.Go(func(ctx context.Context) error {
		return d.advancer.Advance(ctx, tenantID, executionID)
	})

	return nil
}

// BusDispatcher hands executions to whichever worker consumes execution.ready.
type BusDispatcher struct {
	publisher eventbus.EventPublisher
}

func NewBusDispatcher(publisher eventbus.EventPublisher) *BusDispatcher {
	return &BusDispatcher{publisher: publisher}
}

func (d *BusDispatcher) Dispatch(ctx context.Context, tenantID, executionID string) error {
	event := events.ExecutionReady{
		BaseEvent:   events.NewBaseEvent(events.ExecutionReadyEvent, tenantID),
		ExecutionID: executionID,
	}

	// Keyed by execution so one execution's wakeups stay ordered on a partition.
	if err := d.publisher.Publish(ctx, executionID, event); err != nil {
		return fmt.Errorf("failed to publish execution ready: %w", err)
	}

	return nil
}
