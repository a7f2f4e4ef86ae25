// Package metrics registers the Prometheus collectors for the sync
// engine: connection lifecycle, anchor state transitions, delta
// throughput, and sweeper activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_connections_total",
		Help: "Total number of client connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_connections_active",
		Help: "Current number of active client connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_disconnects_total",
		Help: "Disconnections by reason",
	}, []string{"reason"})

	// Anchor state machine

	SessionStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_session_starts_total",
		Help: "start_session calls by observed initial state",
	}, []string{"initial_state"})

	SessionEndFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_session_end_failures_total",
		Help: "end_session calls that reported success=false, by initial state",
	}, []string{"initial_state"})

	AnchorsHot = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_anchors_hot",
		Help: "Anchors currently observed in the HOT state by the sweeper",
	})

	SweepCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_sweep_cycles_total",
		Help: "Completed expiry sweeper cycles",
	})

	SweepCoolingStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_sweep_cooling_started_total",
		Help: "Anchors transitioned HOT -> COOLING by the sweeper",
	})

	SweepReheats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_sweep_reheats_total",
		Help: "COOLING cycles that reheated instead of finalizing to COLD",
	})

	// Delta pipeline

	DeltasEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_deltas_emitted_total",
		Help: "Deltas handed to the router, by kind (full, full_large, minimal, suppressed)",
	}, []string{"kind"})

	DeltaWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_delta_write_duration_seconds",
		Help:    "Time to upsert-returning-prior plus diff for one document",
		Buckets: prometheus.DefBuckets,
	})

	// Coalescer

	CoalescerFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_coalescer_flush_size",
		Help:    "Number of distinct pending entries flushed per commit",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	CoalescerRefetchMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_coalescer_refetch_misses_total",
		Help: "Pending entries skipped at flush because the object vanished before commit",
	})

	// Router / broadcast

	BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_broadcasts_sent_total",
		Help: "Group sends performed by the subscription router",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_slow_clients_disconnected_total",
		Help: "Clients disconnected for failing to drain their send buffer",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_rate_limited_messages_total",
		Help: "Inbound client messages dropped for exceeding the per-connection rate limit",
	})

	ConnectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_connection_rate_limited_total",
		Help: "Connection attempts rejected by the admission rate limiter, by scope",
	}, []string{"scope"})
)

// Register adds every collector declared in this package to reg.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		Disconnects,
		SessionStarts,
		SessionEndFailures,
		AnchorsHot,
		SweepCycles,
		SweepCoolingStarted,
		SweepReheats,
		DeltasEmitted,
		DeltaWriteDuration,
		CoalescerFlushSize,
		CoalescerRefetchMisses,
		BroadcastsSent,
		SlowClientsDisconnected,
		RateLimitedMessages,
		ConnectionRateLimited,
	)
}

// Handler returns the promhttp handler bound to reg, for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
