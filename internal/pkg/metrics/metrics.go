package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every linkup collector and is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// BringupState is 1 for the current bring-up state and 0 for the others.
	BringupState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linkup_bringup_state",
			Help: "Current network bring-up state (1 = current).",
		},
		[]string{"state"},
	)

	// BringupAttemptsTotal counts bring-up attempts started from idle.
	BringupAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "linkup_bringup_attempts_total",
			Help: "Total number of bring-up attempts.",
		},
	)

	// ConnectionsTotal counts MQTT connect calls by outcome.
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkup_connections_total",
			Help: "Total number of MQTT connect attempts.",
		},
		[]string{"result"}, // result: success/failed
	)

	// PublishTotal counts publish calls by outcome.
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkup_publish_total",
			Help: "Total number of MQTT publish calls.",
		},
		[]string{"result"},
	)

	// MessagesDroppedTotal counts notifications rejected before publishing.
	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkup_messages_dropped_total",
			Help: "Total number of outbound messages dropped before publish.",
		},
		[]string{"reason"}, // reason: too_large/frame_overflow/invalid_utf8
	)

	// MessagesArrivedTotal counts messages delivered on subscribed topics.
	MessagesArrivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "linkup_messages_arrived_total",
			Help: "Total number of messages received on subscribed topics.",
		},
	)

	// PumpOverdueTotal counts pumps that ran later than the keep-alive interval.
	PumpOverdueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "linkup_pump_overdue_total",
			Help: "Total number of keepalive pumps that started after the keep-alive interval elapsed.",
		},
	)

	// PumpDuration observes how long each pump spent in the session.
	PumpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkup_pump_duration_seconds",
			Help:    "Time spent yielding to the MQTT session per pump.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Registry.MustRegister(
		BringupState,
		BringupAttemptsTotal,
		ConnectionsTotal,
		PublishTotal,
		MessagesDroppedTotal,
		MessagesArrivedTotal,
		PumpOverdueTotal,
		PumpDuration,
	)
}

// SetBringupState marks current as the only active state among states.
func SetBringupState(current string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		BringupState.WithLabelValues(s).Set(v)
	}
}
