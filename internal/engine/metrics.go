package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the engine does. A nil registerer keeps the collectors
// unregistered, which is what tests use.
type Metrics struct {
	Submitted  prometheus.Counter
	Settled    prometheus.Counter
	Rejected   prometheus.Counter
	Retried    prometheus.Counter
	Applied    prometheus.Counter
	Suppressed prometheus.Counter
	Dropped    prometheus.Counter
	Resyncs    prometheus.Counter
	Reconnects prometheus.Counter
	QueueDepth prometheus.Gauge

	// ApplyFailures counts undo or redo steps the stores refused.
	ApplyFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "client",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		Submitted:  counter("mutations_submitted_total", "Mutations applied optimistically and queued."),
		Settled:    counter("mutations_settled_total", "Mutations confirmed by the server."),
		Rejected:   counter("mutations_rejected_total", "Mutations refused by the server and rolled back."),
		Retried:    counter("mutations_retried_total", "Transient transmission failures."),
		Applied:    counter("events_applied_total", "Server events applied to the local stores."),
		Suppressed: counter("events_suppressed_total", "Server echoes of this client's own pending mutations."),
		Dropped:    counter("events_dropped_total", "Malformed or unknown server events."),
		Resyncs:    counter("resyncs_total", "Snapshot refetches."),
		Reconnects: counter("subscription_reconnects_total", "Subscription reconnect attempts."),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgersync",
			Subsystem: "client",
			Name:      "queue_depth",
			Help:      "Pending mutations not yet confirmed.",
		}),

		ApplyFailures: counter("apply_failures_total", "Undo or redo steps that could not be applied."),
	}
}
