package cmd

import (
	"github.com/dukex/flowengine/pkg/config"
	"github.com/urfave/cli/v3"
)

// EngineFlags are the flags shared by every engine binary.
func EngineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Persistence URL (memory://, file://<dir>, postgres://...)",
			Value:   config.DefaultDatabaseURL,
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for shared execution leases and the enqueue action",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   config.DefaultEventBus,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Executions advanced at the same time",
			Value:   config.DefaultConcurrency,
			Sources: cli.EnvVars("CONCURRENCY"),
		},
		&cli.DurationFlag{
			Name:    "lease-ttl",
			Usage:   "Execution lease time to live",
			Value:   config.DefaultLeaseTTL,
			Sources: cli.EnvVars("LEASE_TTL"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Default attempts of a retryable step",
			Value:   config.DefaultMaxAttempts,
			Sources: cli.EnvVars("MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "initial-backoff",
			Value:   config.DefaultInitialBackoff,
			Sources: cli.EnvVars("INITIAL_BACKOFF"),
		},
		&cli.DurationFlag{
			Name:    "max-backoff",
			Value:   config.DefaultMaxBackoff,
			Sources: cli.EnvVars("MAX_BACKOFF"),
		},
		&cli.DurationFlag{
			Name:    "inline-backoff",
			Usage:   "Longest retry wait held by a worker; longer waits suspend the execution",
			Value:   config.DefaultInlineBackoff,
			Sources: cli.EnvVars("INLINE_BACKOFF"),
		},
		&cli.DurationFlag{
			Name:    "sync-timeout",
			Usage:   "Default timeout of synchronous steps",
			Value:   config.DefaultSyncTimeout,
			Sources: cli.EnvVars("SYNC_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "external-timeout",
			Usage:   "Default timeout of external calls",
			Value:   config.DefaultExternalTimeout,
			Sources: cli.EnvVars("EXTERNAL_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "condition-timeout",
			Usage:   "Timeout of one condition evaluation",
			Value:   config.DefaultConditionTime,
			Sources: cli.EnvVars("CONDITION_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:  "monitor-window",
			Usage: "Rule outcomes kept by the failure monitor",
			Value: config.DefaultMonitorWindow,
		},
		&cli.FloatFlag{
			Name:  "monitor-threshold",
			Usage: "Failure ratio that flags a rule",
			Value: config.DefaultMonitorRatio,
		},
		&cli.IntFlag{
			Name:  "monitor-min-samples",
			Value: config.DefaultMonitorSamples,
		},
		&cli.IntFlag{
			Name:    "cache-size",
			Usage:   "Definitions and rule sets kept in memory",
			Value:   config.DefaultCacheSize,
			Sources: cli.EnvVars("CACHE_SIZE"),
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Value:   config.DefaultCacheTTL,
			Sources: cli.EnvVars("CACHE_TTL"),
		},
		&cli.DurationFlag{
			Name:    "resume-interval",
			Usage:   "Interval of the due timer sweep",
			Value:   config.DefaultResumeInterval,
			Sources: cli.EnvVars("RESUME_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "recover-interval",
			Usage:   "Interval of the stalled execution sweep",
			Value:   config.DefaultRecoverInterval,
			Sources: cli.EnvVars("RECOVER_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Value:   config.DefaultShutdownTimeout,
			Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
		},
	}
}

// EngineConfig reads EngineFlags into a configuration.
func EngineConfig(command *cli.Command) *config.Engine {
	cfg := config.NewDefaultEngine()

	cfg.DatabaseURL = command.String("database-url")
	cfg.LeaseURL = command.String("redis-url")
	cfg.EventBus = command.String("event-bus")
	cfg.Brokers = command.StringSlice("kafka-brokers")
	cfg.LogLevel = command.String("log-level")
	cfg.Concurrency = command.Int("concurrency")
	cfg.LeaseTTL = command.Duration("lease-ttl")
	cfg.MaxAttempts = command.Int("max-attempts")
	cfg.InitialBackoff = command.Duration("initial-backoff")
	cfg.MaxBackoff = command.Duration("max-backoff")
	cfg.InlineBackoff = command.Duration("inline-backoff")
	cfg.SyncTimeout = command.Duration("sync-timeout")
	cfg.ExternalTimeout = command.Duration("external-timeout")
	cfg.ConditionTimeout = command.Duration("condition-timeout")
	cfg.MonitorWindow = command.Int("monitor-window")
	cfg.MonitorThreshold = command.Float("monitor-threshold")
	cfg.MonitorMinSamples = command.Int("monitor-min-samples")
	cfg.CacheSize = command.Int("cache-size")
	cfg.CacheTTL = command.Duration("cache-ttl")
	cfg.ResumeInterval = command.Duration("resume-interval")
	cfg.RecoverInterval = command.Duration("recover-interval")
	cfg.ShutdownTimeout = command.Duration("shutdown-timeout")

	return cfg
}
