// Package metrics provides Prometheus metrics collection for the counselchat application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counselchat_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomMembers tracks the current number of room memberships across all sessions
	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counselchat_room_members_total",
		Help: "Current number of realtime room memberships",
	})

	// MessagesReceived tracks the total number of messages received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	// MessagesSent tracks the total number of messages sent to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	// EventsPublished tracks room events fanned out by the hub, by event type
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counselchat_events_published_total",
		Help: "Total number of room events published by the hub",
	}, []string{"type"})

	// ActiveSessions tracks the current number of open counseling sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counselchat_active_sessions_total",
		Help: "Current number of open counseling sessions",
	})

	// SessionsCreated tracks the total number of sessions created
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_sessions_created_total",
		Help: "Total number of counseling sessions created",
	})

	// SessionsClaimed tracks the total number of successful counselor claims
	SessionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_sessions_claimed_total",
		Help: "Total number of sessions claimed by counselors",
	})

	// ClaimConflicts tracks claims that lost the race for an unassigned session
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_claim_conflicts_total",
		Help: "Total number of counselor claims rejected as already assigned",
	})

	// SessionsClosed tracks the total number of sessions closed
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_sessions_closed_total",
		Help: "Total number of counseling sessions closed",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// DecryptFailures tracks stored messages whose content could not be restored.
	// A nonzero rate here means data-at-rest corruption or key rotation fallout.
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counselchat_decrypt_failures_total",
		Help: "Total number of messages returned with a decrypt-failure marker",
	})

	// MongoDBOperationDuration tracks the latency of MongoDB operations
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "counselchat_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks HTTP request latency per endpoint and method
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "counselchat_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})
)
