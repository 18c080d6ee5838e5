package rules

import "sync"

const (
	DefaultMonitorWindow     = 20
	DefaultMonitorThreshold  = 0.5
	DefaultMonitorMinSamples = 5
)

// FailureMonitor keeps a sliding window of recent outcomes per rule and reports
// when the failure ratio exceeds the threshold. It never disables a rule.
type FailureMonitor struct {
	mu         sync.Mutex
	window     int
	threshold  float64
	minSamples int
	outcomes   map[string][]bool
}

func NewFailureMonitor(window int, threshold float64, minSamples int) *FailureMonitor {
	if window <= 0 {
		window = DefaultMonitorWindow
	}

	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMonitorThreshold
	}

	if minSamples <= 0 {
		minSamples = DefaultMonitorMinSamples
	}

	minSamples = min(minSamples, window)

	return &FailureMonitor{
		window:     window,
		threshold:  threshold,
		minSamples: minSamples,
		outcomes:   make(map[string][]bool),
	}
}

// Observe records one outcome and returns the failure ratio of the window and
// whether the rule should be flagged.
func (m *FailureMonitor) Observe(tenantID, ruleID string, failed bool) (float64, bool) {
	key := tenantID + "/" + ruleID

	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.outcomes[key], failed)
	if len(window) > m.window {
		window = window[len(window)-m.window:]
	}

	m.outcomes[key] = window

	failures := 0

	for _, f := range window {
		if f {
			failures++
		}
	}

	ratio := float64(failures) / float64(len(window))

	return ratio, len(window) >= m.minSamples && ratio > m.threshold
}
