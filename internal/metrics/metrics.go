// Package metrics exposes Prometheus instrumentation for the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of websocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// RoomMemberships tracks the total number of (connection, room) pairs.
	// A climb without matching leaves indicates clients skipping teardown.
	RoomMemberships = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_room_memberships",
		Help: "Current number of conversation room memberships",
	})

	// EventsTotal counts processed websocket events by name and direction.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Total number of WebSocket events processed",
	}, []string{"event", "direction"}) // direction = "in", "out"

	// PushTotal counts web push deliveries by outcome.
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_push_total",
		Help: "Total number of web push notification attempts",
	}, []string{"outcome"}) // outcome = "sent", "failed", "skipped"
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomMemberships,
		EventsTotal,
		PushTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
