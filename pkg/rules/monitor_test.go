package rules_test

import (
	"testing"

	"github.com/dukex/flowengine/pkg/rules"
	"github.com/stretchr/testify/assert"
)

func TestFailureMonitor(t *testing.T) {
	t.Parallel()

	monitor := rules.NewFailureMonitor(4, 0.5, 3)

	_, flag := monitor.Observe("acme", "r", true)
	assert.False(t, flag, "below minimum samples")

	_, flag = monitor.Observe("acme", "r", true)
	assert.False(t, flag)

	ratio, flag := monitor.Observe("acme", "r", false)
	assert.InDelta(t, 2.0/3.0, ratio, 0.001)
	assert.True(t, flag)

	monitor.Observe("acme", "r", false)
	ratio, flag = monitor.Observe("acme", "r", false)
	assert.InDelta(t, 0.25, ratio, 0.001, "oldest outcome left the window")
	assert.False(t, flag)

	_, flag = monitor.Observe("globex", "r", true)
	assert.False(t, flag, "windows are per tenant")
}

func TestFailureMonitorDefaults(t *testing.T) {
	t.Parallel()

	monitor := rules.NewFailureMonitor(0, 0, 0)

	for range rules.DefaultMonitorMinSamples - 1 {
		_, flag := monitor.Observe("acme", "r", true)
		assert.False(t, flag)
	}

	_, flag := monitor.Observe("acme", "r", true)
	assert.True(t, flag)
}
