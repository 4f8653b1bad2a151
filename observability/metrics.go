// Package observability exposes the Prometheus instrumentation shared by the
// escrow gateway and engine wiring.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CommandMetrics records escrow command activity segmented by operation and
// outcome.
type CommandMetrics struct {
	commands *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	registry *prometheus.Registry
}

var (
	commandMetricsOnce sync.Once
	commandRegistry    *CommandMetrics
)

// Commands returns the lazily-initialised command metrics registry.
func Commands() *CommandMetrics {
	commandMetricsOnce.Do(func() {
		registry := prometheus.NewRegistry()
		commandRegistry = &CommandMetrics{
			registry: registry,
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "commands_total",
				Help:      "Total escrow commands segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "guard_failures_total",
				Help:      "Guard failures segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "command_duration_seconds",
				Help:      "Latency distribution for escrow command handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		registry.MustRegister(commandRegistry.commands, commandRegistry.failures, commandRegistry.latency)
	})
	return commandRegistry
}

// RecordCommand counts one command execution.
func (m *CommandMetrics) RecordCommand(operation, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(operation, outcome).Inc()
}

// RecordFailure counts one guard failure by error kind.
func (m *CommandMetrics) RecordFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
}

// ObserveDuration records the handler latency for an operation.
func (m *CommandMetrics) ObserveDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// Handler exposes the metrics registry over HTTP.
func (m *CommandMetrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
