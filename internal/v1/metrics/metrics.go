package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: transport, room, health, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (events routed, removals, timeouts)
// - Histogram: Latency distributions (dispatch time, ping RTT)

var (
	// ActiveConnections tracks live connections across both transports.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of live connections by transport kind",
	}, []string{"transport"})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// EventsRouted counts dispatched inbound events by outcome.
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "events_total",
		Help:      "Total inbound events dispatched",
	}, []string{"event", "status"})

	// EventDispatchDuration tracks handler latency per event.
	EventDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching inbound events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// DroppedMessages counts outbound messages dropped on full send buffers.
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "dropped_messages_total",
		Help:      "Outbound messages dropped because a client buffer was full",
	})

	// ParticipantRemovals counts removals by reason (left, duplicate-session,
	// stale-connection, removed-by-host, swept).
	ParticipantRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participant_removals_total",
		Help:      "Participant removals by reason",
	}, []string{"reason"})

	// PingRTT observes health-monitor round-trip latency.
	PingRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "health",
		Name:      "ping_rtt_seconds",
		Help:      "Round-trip latency of health pings",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// PingTimeouts counts pong deadlines missed.
	PingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "health",
		Name:      "ping_timeouts_total",
		Help:      "Health pings that missed the pong deadline",
	})

	// BusPublishFailures counts cross-pod publishes dropped by the circuit
	// breaker or Redis errors.
	BusPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "bus",
		Name:      "publish_failures_total",
		Help:      "Bus publishes dropped by breaker state or Redis errors",
	})

	// RateLimitExceeded counts connection attempts rejected by the limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "rate_limit_exceeded_total",
		Help:      "Connection attempts rejected by the rate limiter",
	}, []string{"scope"})
)

// Transport kind labels for ActiveConnections.
const (
	TransportWebSocket = "websocket"
	TransportLongPoll  = "longpoll"
)

func IncConnection(transport string) {
	ActiveConnections.WithLabelValues(transport).Inc()
}

func DecConnection(transport string) {
	ActiveConnections.WithLabelValues(transport).Dec()
}
