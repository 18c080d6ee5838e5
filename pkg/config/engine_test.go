package config_test

import (
	"testing"
	"time"

	"github.com/dukex/flowengine/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultEngine(t *testing.T) {
	cfg := config.NewDefaultEngine()

	require.NoError(t, cfg.Validate())

	policy := cfg.StepPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.InitialBackoff)
	assert.Equal(t, 5*time.Minute, policy.MaxBackoff)
	assert.Equal(t, 5*time.Second, policy.InlineBackoff)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter())
}

func TestEngine_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Engine)
		want   error
	}{
		{"port zero", func(c *config.Engine) { c.Port = 0 }, config.ErrInvalidPort},
		{"port too large", func(c *config.Engine) { c.Port = 70000 }, config.ErrInvalidPort},
		{"unknown bus", func(c *config.Engine) { c.EventBus = "nats" }, config.ErrInvalidEventBus},
		{"kafka without brokers", func(c *config.Engine) { c.EventBus = "kafka" }, config.ErrMissingBrokers},
		{"no workers", func(c *config.Engine) { c.Concurrency = 0 }, config.ErrInvalidConcurrency},
		{"short lease", func(c *config.Engine) { c.LeaseTTL = time.Second }, config.ErrInvalidLeaseTTL},
		{"too many attempts", func(c *config.Engine) { c.MaxAttempts = 11 }, config.ErrInvalidMaxAttempts},
		{"no backoff", func(c *config.Engine) { c.InitialBackoff = 0 }, config.ErrInvalidBackoff},
		{"negative inline backoff", func(c *config.Engine) { c.InlineBackoff = -time.Second }, config.ErrInvalidBackoff},
		{"inverted backoff", func(c *config.Engine) { c.MaxBackoff = time.Millisecond }, config.ErrBackoffTooSmall},
		{"no timeout", func(c *config.Engine) { c.ConditionTimeout = 0 }, config.ErrInvalidTimeout},
		{"threshold above one", func(c *config.Engine) { c.MonitorThreshold = 1.5 }, config.ErrInvalidThreshold},
		{"no sweep", func(c *config.Engine) { c.ResumeInterval = 0 }, config.ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultEngine()
			tt.modify(cfg)

			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
