// Package observability carries the process-level metrics and tracing used by
// the dispatcher, the bus and the health surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector set. Callers supply the registerer so tests can use
// fresh registries.
type Metrics struct {
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	BusConnections   prometheus.Gauge
	BusEventsSent    prometheus.Counter
	BusEventsDropped prometheus.Counter
	AgentRuns        *prometheus.CounterVec
}

// MustNewMetrics builds and registers the collector set, panicking on
// duplicate registration.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "tool_executions_total",
			Help:      "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "steward",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution wall-clock time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		BusConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "steward",
			Name:      "bus_connections",
			Help:      "Currently connected bus clients.",
		}),
		BusEventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "bus_events_sent_total",
			Help:      "Event frames delivered to subscribers.",
		}),
		BusEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "bus_events_dropped_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "agent_runs_total",
			Help:      "Advisory agent executions by agent and outcome.",
		}, []string{"agent", "status"}),
	}
	reg.MustRegister(
		m.ToolExecutions, m.ToolDuration, m.BusConnections,
		m.BusEventsSent, m.BusEventsDropped, m.AgentRuns,
	)
	return m
}
