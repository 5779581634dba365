package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aura_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks refresh sessions that have not expired or been revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aura_active_sessions",
			Help: "Number of active refresh sessions",
		},
	)

	// ConnectedAgents tracks device agents currently attached to the realtime hub.
	ConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aura_connected_agents",
			Help: "Number of device agents connected to the realtime hub",
		},
	)

	// RealtimeEvents counts messages relayed through the hub by event name.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aura_realtime_events_total",
			Help: "Total number of realtime events relayed to device rooms",
		},
		[]string{"event"},
	)

	// PairingAttempts counts pairing redemptions by outcome (paired|repaired|transferred|rejected).
	PairingAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aura_pairing_attempts_total",
			Help: "Total number of device pairing redemptions",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aura_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
