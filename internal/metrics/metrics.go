// Package metrics holds the process Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

var (
	// Connection and room metrics, labelled by endpoint ("chat", "signal")
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomcast_connections_active",
			Help: "Authenticated connections currently registered",
		},
		[]string{"endpoint"},
	)

	RoomsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Rooms with at least one member",
		},
		[]string{"endpoint"},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_frames_total",
			Help: "Inbound frames by type and outcome",
		},
		[]string{"endpoint", "type", "outcome"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_deliveries_total",
			Help: "Per-member relay delivery attempts",
		},
		[]string{"endpoint", "outcome"},
	)

	BroadcastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomcast_broadcast_duration_seconds",
			Help:    "Time to fan one payload out to a room",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"endpoint"},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_auth_failures_total",
			Help: "Rejected handshakes by reason (missing, invalid, backend)",
		},
		[]string{"reason"},
	)

	// Persistence bridge metrics
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_persist_total",
			Help: "Chat messages handed to the persistence bridge by outcome",
		},
		[]string{"outcome"},
	)

	BridgeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcast_bridge_queue_depth",
			Help: "Messages waiting in the persistence queue",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_notifications_total",
			Help: "Offline notifications dispatched by outcome",
		},
		[]string{"outcome"},
	)
)
