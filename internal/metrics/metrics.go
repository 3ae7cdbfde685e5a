package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room lifecycle
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Rooms currently registered",
		},
	)

	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	RoomsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rooms_closed_total",
			Help: "Total rooms torn down",
		},
		[]string{"reason"},
	)

	JoinAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_join_attempts_total",
			Help: "Join requests by outcome",
		},
		[]string{"result"}, // "ok", "invalid_code", "room_full", "already_in_room"
	)

	// Forwarding
	MessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_forwarded_total",
			Help: "Opaque payloads relayed",
		},
		[]string{"kind"}, // "state" or "input"
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Payloads dropped instead of relayed",
		},
		[]string{"reason"},
	)

	// Transport
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open websocket connections",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Time to apply a client request",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
		[]string{"type"},
	)
)
