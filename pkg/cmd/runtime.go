package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/flowengine/pkg/cache"
	"github.com/dukex/flowengine/pkg/config"
	"github.com/dukex/flowengine/pkg/coordinator"
	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/expression"
	"github.com/dukex/flowengine/pkg/metrics"
	"github.com/dukex/flowengine/pkg/persistence"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/dukex/flowengine/pkg/rules"
	"github.com/dukex/flowengine/pkg/scheduler"
	"github.com/dukex/flowengine/pkg/services"
	"github.com/dukex/flowengine/pkg/worker"
	"github.com/dukex/flowengine/pkg/workflow"
	"github.com/redis/go-redis/v9"
)

// Runtime holds every component of one engine process.
type Runtime struct {
	Config      *config.Engine
	Store       persistence.Persistence
	Definitions *cache.DefinitionStore
	Bus         eventbus.EventBus
	Redis       redis.UniversalClient
	Metrics     *metrics.Metrics
	Pool        *worker.Pool
	Coordinator *coordinator.Coordinator
	Registry    *registry.Registry
	Rules       *rules.Engine
	Engine      *services.Engine
	Validator   *workflow.Validator
	Publishing  *workflow.PublishingService
	Sweeper     *scheduler.Sweeper

	logger *slog.Logger
}

// NewRuntime opens the stores and the bus and wires the engine. Executions are
// advanced in process on the gochannel bus and handed to workers on Kafka.
func NewRuntime(ctx context.Context, logger *slog.Logger, cfg *config.Engine, serviceName string) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Metrics: metrics.New(), logger: logger}

	var err error

	rt.Store, err = NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	rt.Redis, err = NewRedis(ctx, cfg.LeaseURL)
	if err != nil {
		rt.Close(ctx)

		return nil, err
	}

	rt.Bus, err = NewEventBus(cfg.EventBus, cfg.Brokers, serviceName, logger)
	if err != nil {
		rt.Close(ctx)

		return nil, err
	}

	rt.Definitions = cache.NewDefinitionStore(rt.Store, cfg.CacheSize, cfg.CacheTTL)
	rt.Pool = worker.NewPool(ctx, logger, cfg.Concurrency)

	httpClient := &http.Client{Timeout: cfg.ExternalTimeout}
	evaluator := expression.NewEvaluator(cfg.ConditionTimeout)

	local := worker.NewLocalDispatcher(rt.Pool, nil)

	var dispatcher coordinator.Dispatcher = local
	if cfg.EventBus == "kafka" {
		dispatcher = worker.NewBusDispatcher(rt.Bus)
	}

	coordOpts := []coordinator.Option{
		coordinator.WithDispatcher(dispatcher),
		coordinator.WithPublisher(rt.Bus),
		coordinator.WithMetrics(rt.Metrics),
		coordinator.WithLeaseTTL(cfg.LeaseTTL),
		coordinator.WithStepPolicy(cfg.StepPolicy()),
		coordinator.WithEvaluator(evaluator),
		coordinator.WithHTTPClient(httpClient),
	}
	if cfg.WorkerID != "" {
		coordOpts = append(coordOpts, coordinator.WithOwner(cfg.WorkerID))
	}

	rt.Coordinator = coordinator.New(logger, rt.Definitions, rt.Store, NewLeases(rt.Redis, rt.Store), coordOpts...)
	local.SetAdvancer(rt.Coordinator)

	rt.Registry = NewRegistry(logger, ActionDeps{
		HTTPClient: httpClient,
		Redis:      rt.Redis,
		Publisher:  rt.Bus,
		Starter:    rt.Coordinator,
	})

	rt.Rules = rules.NewEngine(logger, rt.Definitions, rt.Store, rt.Store, rt.Registry, evaluator,
		rules.WithPublisher(rt.Bus),
		rules.WithMetrics(rt.Metrics),
		rules.WithMonitor(rules.NewFailureMonitor(cfg.MonitorWindow, cfg.MonitorThreshold, cfg.MonitorMinSamples)),
	)

	rt.Engine = services.NewEngine(logger, rt.Coordinator, rt.Rules, rt.Definitions, rt.Store, rt.Store)
	rt.Validator = workflow.NewValidator(evaluator, rt.Registry)
	rt.Publishing = workflow.NewPublishingService(logger, rt.Store, rt.Validator,
		workflow.WithChangeHook(rt.Definitions.Invalidate))

	rt.Sweeper = scheduler.NewSweeper(logger, rt.Coordinator, scheduler.Config{
		ResumeInterval:  cfg.ResumeInterval,
		RecoverInterval: cfg.RecoverInterval,
		StaleAfter:      cfg.StaleAfter(),
	})

	return rt, nil
}

// Close waits for in-flight advances and releases the stores and the bus.
func (rt *Runtime) Close(ctx context.Context) {
	if rt.Sweeper != nil {
		rt.Sweeper.Stop(ctx)
	}

	if rt.Pool != nil {
		rt.Pool.Wait()
	}

	var errs []error

	if rt.Bus != nil {
		errs = append(errs, rt.Bus.Close())
	}

	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}

	if rt.Store != nil {
		errs = append(errs, rt.Store.Close(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		rt.logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
	}
}
