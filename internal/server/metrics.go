package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Executions      *prometheus.CounterVec
	EventsCommitted prometheus.Counter
	Subscribers     prometheus.Gauge
	SlowSubscribers prometheus.Counter
	KafkaDropped    prometheus.Counter
}

// NewMetrics registers the server collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "server",
			Name:      "executions_total",
			Help:      "Executed operations by outcome.",
		}, []string{"outcome"}),
		EventsCommitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "server",
			Name:      "events_committed_total",
			Help:      "Events appended to the log.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgersync",
			Subsystem: "server",
			Name:      "subscribers",
			Help:      "Open event subscriptions.",
		}),
		SlowSubscribers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "server",
			Name:      "slow_subscribers_total",
			Help:      "Subscriptions closed because they fell behind.",
		}),
		KafkaDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "server",
			Name:      "kafka_dropped_total",
			Help:      "Events not delivered to kafka.",
		}),
	}
}
