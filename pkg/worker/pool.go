// Package worker drives executions: it consumes engine events from the bus and
// advances executions on a bounded pool of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/flowengine/pkg/log"
	"golang.org/x/sync/semaphore"
)

// Pool runs tasks with at most size of them in flight.
type Pool struct {
	ctx    context.Context
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewPool creates a pool whose tasks run under ctx. Cancelling ctx stops tasks
// waiting for a slot; running tasks see the cancellation through their context.
func NewPool(ctx context.Context, logger *slog.Logger, size int) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{
		ctx:    ctx,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(size)),
	}
}

// Submit blocks until a slot is free, then runs task in the background.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		p.run(task)
	}()

	return nil
}

// Go queues task without blocking the caller.
func (p *Pool) Go(task func(ctx context.Context) error) {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		p.run(task)
	}()
}

func (p *Pool) run(task func(ctx context.Context) error) {
	if err := task(p.ctx); err != nil {
		p.logger.ErrorContext(p.ctx, "Task failed", log.Error(err))
	}
}

// Wait blocks until every submitted task returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
