package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the whiteboard realtime server.
//
// Naming convention: namespace_subsystem_name
// - namespace: whiteboard (application-level grouping)
// - subsystem: websocket, room, store (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members, history depth)
// - Counter: Cumulative events (messages processed, disconnects, retries)
// - Histogram: Latency distributions (processing time, store round trips)

var (
	// ActiveConnections tracks the current number of live websocket sessions (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebsocketEvents tracks inbound messages by kind and outcome (CounterVec - cumulative)
	// status is one of: ok, malformed, dropped, rate_limited, error
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks time spent handling one inbound message (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// OverflowDisconnects counts sessions dropped because their outbound queue filled (Counter - cumulative)
	OverflowDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "overflow_disconnects_total",
		Help:      "Sessions disconnected because their outbound queue overflowed",
	})

	// RateLimitExceeded counts refusals by scope (CounterVec - cumulative)
	// scope is connect_ip or session_messages
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Connections and messages refused by a rate limit",
	}, []string{"scope"})

	// ActiveRooms tracks the current number of live rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room (GaugeVec with room_id label - current state per room)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// HistoryFrames tracks the undo history depth per room (GaugeVec - current state per room)
	HistoryFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "room",
		Name:      "history_frames",
		Help:      "Number of history frames held by each room",
	}, []string{"room_id"})

	// StoreRequests tracks document store calls by operation and outcome (CounterVec - cumulative)
	// op is load or save; status is ok, not_found, or error
	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "requests_total",
		Help:      "Total document store requests",
	}, []string{"op", "status"})

	// StoreRequestDuration tracks document store round-trip time per operation (HistogramVec - latency distribution)
	StoreRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "request_seconds",
		Help:      "Document store request round-trip time",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})

	// SaveRetries counts save attempts beyond the first (Counter - cumulative)
	SaveRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "save_retries_total",
		Help:      "Document save retries after transient failures",
	})

	// CircuitBreakerState exposes the store breaker state (Gauge: 0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Document store circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// CircuitBreakerFailures counts requests rejected by an open breaker (Counter - cumulative)
	CircuitBreakerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Document store requests rejected while the circuit breaker was open",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
