package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event metrics
	EventsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_events_created_total",
			Help: "Total number of event ids allocated on this node",
		},
	)

	EventsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_triggered_total",
			Help: "Total number of event triggers initiated on this node, by poison",
		},
		[]string{"poisoned"},
	)

	EventsRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_events_retired_total",
			Help: "Event ids retired after exhausting the poisoned-generation budget",
		},
	)

	EventFreeListDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_event_freelist_depth",
			Help: "Event implementations waiting for reuse",
		},
	)

	// Barrier metrics
	BarriersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_barriers_created_total",
			Help: "Total number of barriers created on this node",
		},
	)

	BarrierArrivals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_barrier_arrivals_total",
			Help: "Barrier arrivals initiated on this node",
		},
	)

	// Transport metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_messages_sent_total",
			Help: "Envelopes sent, by message kind",
		},
		[]string{"kind"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_messages_received_total",
			Help: "Envelopes received, by message kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		EventsCreated,
		EventsTriggered,
		EventsRetired,
		EventFreeListDepth,
		BarriersCreated,
		BarrierArrivals,
		MessagesSent,
		MessagesReceived,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics HTTP server on the given address
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
