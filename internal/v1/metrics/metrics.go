package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the multiplayer coordinator.
//
// Naming convention: namespace_subsystem_name
// - namespace: netplay (application-level grouping)
// - subsystem: session, transport, relay, http, upstream
// - name: specific metric (sessions_active, input_frames_relayed_total, ...)
//
// Metric Types:
// - Gauge: current state (sessions, connected clients)
// - Counter: cumulative events (frames relayed, chat messages, closures)
// - Histogram: distributions (ping RTT, session duration, request latency)

var (
	// ActiveSessions tracks the current number of live sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netplay",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of live multiplayer sessions",
	})

	// SessionMembers tracks members per session code
	SessionMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netplay",
		Subsystem: "session",
		Name:      "members_count",
		Help:      "Number of members in each session",
	}, []string{"code"})

	// SessionsCreated counts successful session creations
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Total sessions created",
	})

	// SessionsClosed counts session terminations by reason
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Total sessions closed, by reason",
	}, []string{"reason"})

	// SessionDuration observes the lifetime of evicted sessions
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "netplay",
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Lifetime of sessions from create to eviction",
		Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
	})

	// ConnectedClients tracks currently attached WebSocket clients
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netplay",
		Subsystem: "transport",
		Name:      "clients_connected",
		Help:      "Current number of attached WebSocket clients",
	})

	// WebSocketConnections counts connection attempts by outcome
	WebSocketConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "transport",
		Name:      "connections_total",
		Help:      "WebSocket connection attempts, by outcome",
	}, []string{"outcome"})

	// PingRTT observes heartbeat round trips
	PingRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "netplay",
		Subsystem: "transport",
		Name:      "ping_rtt_seconds",
		Help:      "Round-trip time of server heartbeat pings",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// FrameEvents counts inbound frames processed, by type and status
	FrameEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Inbound WebSocket frames processed, by type and status",
	}, []string{"frame_type", "status"})

	// InputFramesRelayed counts guest input frames delivered to hosts
	InputFramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "relay",
		Name:      "input_frames_relayed_total",
		Help:      "Guest input frames delivered to session hosts",
	})

	// InputFramesDropped counts input frames discarded, by reason
	InputFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "relay",
		Name:      "input_frames_dropped_total",
		Help:      "Guest input frames discarded, by reason",
	}, []string{"reason"})

	// ChatMessages counts chat entries appended to session rings
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "relay",
		Name:      "chat_messages_total",
		Help:      "Chat messages accepted and broadcast",
	})

	// SignalsRelayed counts WebRTC signalling payloads forwarded
	SignalsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "relay",
		Name:      "webrtc_signals_total",
		Help:      "WebRTC signalling payloads relayed between members",
	})

	// HTTPRequestDuration observes REST latency per route
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "netplay",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "REST request latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route", "status"})

	// RateLimited counts requests rejected by a limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by limiter",
	}, []string{"limiter"})

	// CircuitBreakerState exposes breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netplay",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netplay",
		Subsystem: "upstream",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected while a circuit breaker is open",
	}, []string{"name"})
)

func IncConnection() {
	ConnectedClients.Inc()
}

func DecConnection() {
	ConnectedClients.Dec()
}
