// Package config holds the tunables shared by the engine binaries.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowengine/pkg/steps"
)

// Engine holds configuration settings for the execution engine.
type Engine struct {
	// Stores
	DatabaseURL string
	LeaseURL    string
	EventBus    string
	Brokers     []string

	// API server
	Port     int
	LogLevel string

	// Workers
	WorkerID    string
	Concurrency int
	LeaseTTL    time.Duration

	// Steps
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	InlineBackoff   time.Duration
	SyncTimeout     time.Duration
	ExternalTimeout time.Duration

	// Rules
	ConditionTimeout  time.Duration
	MonitorWindow     int
	MonitorThreshold  float64
	MonitorMinSamples int

	// Definition cache
	CacheSize int
	CacheTTL  time.Duration

	// Sweepers
	ResumeInterval  time.Duration
	RecoverInterval time.Duration

	ShutdownTimeout time.Duration
}

const (
	DefaultDatabaseURL     = "memory://"
	DefaultEventBus        = "gochannel"
	DefaultPort            = 9091
	DefaultConcurrency     = 16
	DefaultLeaseTTL        = 30 * time.Second
	DefaultMaxAttempts     = 3
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = 5 * time.Minute
	DefaultInlineBackoff   = 5 * time.Second
	DefaultSyncTimeout     = 60 * time.Second
	DefaultExternalTimeout = 60 * time.Second
	DefaultConditionTime   = 2 * time.Second
	DefaultMonitorWindow   = 20
	DefaultMonitorRatio    = 0.5
	DefaultMonitorSamples  = 5
	DefaultCacheSize       = 1024
	DefaultCacheTTL        = 30 * time.Second
	DefaultResumeInterval  = time.Second
	DefaultRecoverInterval = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	MaxTCPPort     = 65535
	MaxMaxAttempts = 10
)

var (
	ErrInvalidPort        = errors.New("invalid API port")
	ErrInvalidEventBus    = errors.New("invalid event bus provider")
	ErrMissingBrokers     = errors.New("kafka event bus requires at least one broker")
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrInvalidLeaseTTL    = errors.New("lease TTL must be at least 3s")
	ErrInvalidMaxAttempts = errors.New("max attempts must be between 1 and 10")
	ErrInvalidBackoff     = errors.New("retry backoff must be positive")
	ErrBackoffTooSmall    = errors.New("max backoff must be >= initial backoff")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
	ErrInvalidThreshold   = errors.New("monitor threshold must be within (0, 1]")
	ErrInvalidInterval    = errors.New("sweeper intervals must be positive")
)

// NewDefaultEngine returns a configuration with defaults for every setting.
func NewDefaultEngine() *Engine {
	return &Engine{
		DatabaseURL:       DefaultDatabaseURL,
		EventBus:          DefaultEventBus,
		Port:              DefaultPort,
		LogLevel:          "info",
		Concurrency:       DefaultConcurrency,
		LeaseTTL:          DefaultLeaseTTL,
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		InlineBackoff:     DefaultInlineBackoff,
		SyncTimeout:       DefaultSyncTimeout,
		ExternalTimeout:   DefaultExternalTimeout,
		ConditionTimeout:  DefaultConditionTime,
		MonitorWindow:     DefaultMonitorWindow,
		MonitorThreshold:  DefaultMonitorRatio,
		MonitorMinSamples: DefaultMonitorSamples,
		CacheSize:         DefaultCacheSize,
		CacheTTL:          DefaultCacheTTL,
		ResumeInterval:    DefaultResumeInterval,
		RecoverInterval:   DefaultRecoverInterval,
		ShutdownTimeout:   DefaultShutdownTimeout,
	}
}

// Validate checks that all configuration values are usable.
func (c *Engine) Validate() error {
	if c.Port <= 0 || c.Port > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.EventBus != "gochannel" && c.EventBus != "kafka" {
		return fmt.Errorf("%w: %s", ErrInvalidEventBus, c.EventBus)
	}

	if c.EventBus == "kafka" && len(c.Brokers) == 0 {
		return ErrMissingBrokers
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.LeaseTTL < 3*time.Second {
		return fmt.Errorf("%w: %s", ErrInvalidLeaseTTL, c.LeaseTTL)
	}

	if c.MaxAttempts < 1 || c.MaxAttempts > MaxMaxAttempts {
		return fmt.Errorf("%w: %d", ErrInvalidMaxAttempts, c.MaxAttempts)
	}

	if c.InitialBackoff <= 0 || c.MaxBackoff <= 0 || c.InlineBackoff < 0 {
		return ErrInvalidBackoff
	}

	if c.MaxBackoff < c.InitialBackoff {
		return ErrBackoffTooSmall
	}

	if c.SyncTimeout <= 0 || c.ExternalTimeout <= 0 || c.ConditionTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MonitorThreshold <= 0 || c.MonitorThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.MonitorThreshold)
	}

	if c.ResumeInterval <= 0 || c.RecoverInterval <= 0 {
		return ErrInvalidInterval
	}

	return nil
}

// StepPolicy returns the retry and timeout defaults of the step executor.
func (c *Engine) StepPolicy() steps.Policy {
	return steps.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
		InlineBackoff:   c.InlineBackoff,
		SyncTimeout:     c.SyncTimeout,
		ExternalTimeout: c.ExternalTimeout,
	}
}

// StaleAfter is how long an unleased active execution waits before recovery.
func (c *Engine) StaleAfter() time.Duration {
	return c.LeaseTTL
}
