// Package metrics exposes execution and step counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolflow"

// Metrics implements engine.Observer on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	running            prometheus.Gauge
	stepsFinished      *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	workflows          prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions accepted, by workflow.",
		}, []string{"workflow"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal state, by workflow and status.",
		}, []string{"workflow", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"workflow"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Executions currently running.",
		}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Steps that reached a terminal state, by tool and status.",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Tool invocation wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		workflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_registered",
			Help:      "Workflows currently in the registry.",
		}),
	}

	m.registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.running,
		m.stepsFinished,
		m.stepDuration,
		m.workflows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ExecutionStarted records an accepted execution.
func (m *Metrics) ExecutionStarted(workflow string) {
	m.executionsStarted.WithLabelValues(workflow).Inc()
	m.running.Inc()
}

// ExecutionFinished records a terminal execution.
func (m *Metrics) ExecutionFinished(workflow, status string, elapsed time.Duration) {
	m.executionsFinished.WithLabelValues(workflow, status).Inc()
	m.executionDuration.WithLabelValues(workflow).Observe(elapsed.Seconds())
	m.running.Dec()
}

// StepFinished records a terminal step. elapsed is zero for steps that never ran.
func (m *Metrics) StepFinished(tool, status string, elapsed time.Duration) {
	m.stepsFinished.WithLabelValues(tool, status).Inc()
	if elapsed > 0 {
		m.stepDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// SetWorkflows sets the registered workflow gauge.
func (m *Metrics) SetWorkflows(n int) {
	m.workflows.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
