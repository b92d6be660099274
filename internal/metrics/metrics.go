// Package metrics exposes prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing error reasons used as label values.
const (
	ReasonMalformed    = "malformed"
	ReasonBadType      = "bad_type"
	ReasonInvalidImage = "invalid_image"
	ReasonUnknownUser  = "unknown_user"
	ReasonUnknownGroup = "unknown_group"
	ReasonNotAMember   = "not_a_member"
	ReasonPersistence  = "persistence"
)

var (
	// ActiveConnections tracks the number of registered live connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waxwing_active_connections",
		Help: "Number of currently connected clients.",
	})

	// MessagesRouted counts successfully routed messages by envelope type.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxwing_messages_routed_total",
		Help: "Messages persisted and handed to delivery, by type.",
	}, []string{"type"})

	// Deliveries counts individual payloads written to a recipient's queue.
	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waxwing_deliveries_total",
		Help: "Payloads enqueued to connected recipients.",
	})

	// RoutingErrors counts rejected envelopes by reason.
	RoutingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxwing_routing_errors_total",
		Help: "Envelopes rejected before delivery, by reason.",
	}, []string{"reason"})
)
