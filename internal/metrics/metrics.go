// Package metrics exposes Prometheus collectors for the agent loop, tool
// dispatch and stream fan-out. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triage"

// Run outcomes.
const (
	OutcomeFinal     = "final"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors. Create with New.
type Metrics struct {
	registry *prometheus.Registry

	runs              *prometheus.CounterVec
	iterations        prometheus.Histogram
	toolCalls         *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	reasoningFailures prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	subscribers       prometheus.Gauge
	dependencyUp      *prometheus.GaugeVec
}

// New creates collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent loop runs by outcome.",
		}, []string{"outcome"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Reasoning iterations per completed run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 16},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"tool"}),
		reasoningFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "reasoning_failures_total",
			Help:      "Reasoning engine calls that failed or timed out.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Stream events published by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Stream events dropped because a subscriber queue was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently attached stream subscribers.",
		}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "dependency_up",
			Help:      "1 when the last probe of an external dependency succeeded.",
		}, []string{"dependency"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.iterations, m.toolCalls, m.toolDuration,
		m.reasoningFailures, m.eventsPublished, m.eventsDropped, m.subscribers,
		m.dependencyUp,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RunFinished records the end of an agent loop run.
func (m *Metrics) RunFinished(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		m.iterations.Observe(float64(iterations))
	}
}

// ToolCalled records one tool invocation.
func (m *Metrics) ToolCalled(tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ReasoningFailed records a failed reasoning call.
func (m *Metrics) ReasoningFailed() {
	if m == nil {
		return
	}
	m.reasoningFailures.Inc()
}

// EventPublished records a published stream event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped records an event a slow subscriber did not receive.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SubscriberAdded increments the active subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved decrements the active subscriber gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// DependencyProbed records the outcome of a dependency health probe.
func (m *Metrics) DependencyProbed(name string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}
