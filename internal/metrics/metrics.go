// Package metrics defines the prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// HubConnectionsCurrent tracks the number of live registered connections.
	HubConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushgate_hub_connections_current",
			Help: "Current number of registered connections",
		},
	)

	// HubRegistrationsTotal counts connection registrations.
	HubRegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_hub_registrations_total",
			Help: "Total connection registrations",
		},
	)

	// HubBroadcastsTotal counts broadcasts by scope (all/user).
	HubBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_hub_broadcasts_total",
			Help: "Total broadcasts by scope",
		},
		[]string{"scope"},
	)

	// HubWriteFailuresTotal counts failed sink writes.
	HubWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_hub_write_failures_total",
			Help: "Total failed writes to client sinks",
		},
	)

	// HubPanicsTotal counts recovered panics in the hub actor.
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_hub_panics_total",
			Help: "Total recovered panics in the hub goroutine",
		},
	)
)

// Maintenance metrics
var (
	// SweepStalePrunedTotal counts connections removed by keepalive probing.
	SweepStalePrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_sweep_stale_pruned_total",
			Help: "Total stale connections pruned",
		},
	)

	// SweepDuplicatesDrainedTotal counts duplicate connections drained.
	SweepDuplicatesDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_sweep_duplicates_drained_total",
			Help: "Total duplicate connections put into drain",
		},
	)

	// SweepForcedClosuresTotal counts drains that reached forced closure.
	SweepForcedClosuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_sweep_forced_closures_total",
			Help: "Total duplicate connections force-closed after the grace period",
		},
	)

	// SweepDuration tracks maintenance cycle duration in seconds.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_sweep_duration_seconds",
			Help:    "Maintenance cycle duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// GuardBlocksTotal counts abuse blocks issued.
	GuardBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_guard_blocks_total",
			Help: "Total time-boxed blocks issued against tabs",
		},
	)
)

// Transport metrics
var (
	// StreamsRejectedTotal counts refused stream attempts by reason.
	StreamsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_streams_rejected_total",
			Help: "Total refused stream attempts by reason",
		},
		[]string{"reason"},
	)

	// StreamsOpenedTotal counts accepted streams by transport (sse/websocket).
	StreamsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_streams_opened_total",
			Help: "Total accepted streams by transport",
		},
		[]string{"transport"},
	)
)

// Relay metrics
var (
	// RelayMessagesTotal counts relay pub/sub messages by direction.
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_relay_messages_total",
			Help: "Total relay messages by direction (published/received/skipped)",
		},
		[]string{"direction"},
	)

	// RelayCircuitState tracks the relay circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	RelayCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushgate_relay_circuit_state",
			Help: "Relay circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
