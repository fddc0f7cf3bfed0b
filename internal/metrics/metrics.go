// Package metrics holds the Prometheus collectors shared by the bus, the
// state engine and the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "maf"

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
	tasksByStatus   *prometheus.GaugeVec
	subscriptions   prometheus.Gauge
}

// MustNew registers the collectors with reg and panics on conflicts.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events accepted by the bus.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events rejected by a filter.",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error, panicked or timed out.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Committed status transitions.",
		}, []string{"kind", "to"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "recovery_actions_total",
			Help:      "Tasks touched by recovery, retry and cleanup sweeps.",
		}, []string{"action"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "tasks",
			Help:      "Tasks per status at the last health check.",
		}, []string{"status"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
	}
	reg.MustRegister(
		m.eventsPublished,
		m.eventsDropped,
		m.handlerErrors,
		m.transitions,
		m.recoveries,
		m.tasksByStatus,
		m.subscriptions,
	)
	return m
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) HandlerError(eventType string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(eventType).Inc()
}

// Transition counts a committed change; kind is "task" or "feature".
func (m *Metrics) Transition(kind, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, to).Inc()
}

func (m *Metrics) Recovery(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recoveries.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SetTaskCounts(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.tasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
