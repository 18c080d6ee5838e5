// Package metrics provides the Prometheus metrics of the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowengine"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	executionsStarted    *prometheus.CounterVec
	executionTransitions *prometheus.CounterVec
	stepAttempts         *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	ruleEvaluations      *prometheus.CounterVec
	ruleDuration         prometheus.Histogram
	ruleFlagged          *prometheus.GaugeVec
	leasesLost           prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions created",
			},
			[]string{"definition"},
		),
		executionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_transitions_total",
				Help:      "Total number of execution status changes by target status",
			},
			[]string{"status"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_attempt_duration_seconds",
				Help:      "Duration of step attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rule evaluations by outcome",
			},
			[]string{"status"},
		),
		ruleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_duration_seconds",
				Help:      "Duration of one rule evaluation including its actions",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ruleFlagged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rule_flagged",
				Help:      "1 when a rule's recent failure ratio is above the threshold",
			},
			[]string{"tenant", "rule"},
		),
		leasesLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_lost_total",
				Help:      "Total number of executions abandoned because their lease was lost",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionTransitions,
		m.stepAttempts,
		m.stepDuration,
		m.ruleEvaluations,
		m.ruleDuration,
		m.ruleFlagged,
		m.leasesLost,
	)

	return m
}

func (m *Metrics) RecordExecutionStarted(definitionID string) {
	if m == nil {
		return
	}

	m.executionsStarted.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}

	m.executionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordStepAttempt(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.stepAttempts.WithLabelValues(kind, status).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordRuleEvaluation(status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.ruleEvaluations.WithLabelValues(status).Inc()
	m.ruleDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetRuleFlagged(tenantID, ruleID string, flagged bool) {
	if m == nil {
		return
	}

	value := 0.0
	if flagged {
		value = 1.0
	}

	m.ruleFlagged.WithLabelValues(tenantID, ruleID).Set(value)
}

func (m *Metrics) RecordLeaseLost() {
	if m == nil {
		return
	}

	m.leasesLost.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
