// Package metrics provides Prometheus instrumentation for the chat
// backend. It exposes gauges for live connections and sessions,
// counters for query outcomes, and histograms for generation and relay
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coursechat_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// QueriesTotal counts processed queries, labeled by outcome:
	// "answered", "gated", "rejected", or "failed".
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_queries_total",
		Help: "Total number of queries processed",
	}, []string{"outcome"})

	// GenerateLatency records answer generation latency in seconds.
	GenerateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coursechat_generate_latency_seconds",
		Help:    "Answer generation latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// RelayRoundTrips counts relay round trips, labeled by result:
	// "ok", "transport_error", or "mismatch".
	RelayRoundTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_relay_round_trips_total",
		Help: "Total number of relay round trips",
	}, []string{"result"})

	// RelayLatency records full four-phase relay round-trip latency.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coursechat_relay_latency_seconds",
		Help:    "Relay round-trip latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// SessionsSwept counts sessions reclaimed by the cleanup sweeper.
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursechat_sessions_swept_total",
		Help: "Total number of sessions reclaimed by the cleanup sweeper",
	})

	// MirrorFailures counts best-effort mirror writes that failed.
	MirrorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursechat_mirror_failures_total",
		Help: "Total number of failed backup mirror writes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		QueriesTotal,
		GenerateLatency,
		RelayRoundTrips,
		RelayLatency,
		SessionsSwept,
		MirrorFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
