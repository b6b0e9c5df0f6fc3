package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat client.
//
// Naming convention: namespace_subsystem_name
// - namespace: teamwork_chat_client (application-level grouping)
// - subsystem: socket, frame, http, cache, circuit_breaker, rate_limit, redis
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (socket connections, cache sizes)
// - Counter: Cumulative events (frames sent/received, reconnects)
// - Histogram: Latency distributions (round-trip time, request duration)

var (
	// ActiveSocketConnections tracks whether the socket session is currently
	// connected (0 or 1 per session; summed across sessions in one process).
	ActiveSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active socket session connections",
	})

	// SocketReconnectsTotal counts every successful re-dial of the socket
	// session after an unexpected disconnect; failed attempts are not
	// counted.
	SocketReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "socket",
		Name:      "reconnects_total",
		Help:      "Total number of successful socket reconnects",
	})

	// SocketPingRTT tracks observed heartbeat round-trip time.
	SocketPingRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "socket",
		Name:      "ping_rtt_seconds",
		Help:      "Observed round-trip time of heartbeat ping/pong frames",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
	})

	// FramesTotal counts frames exchanged over the socket, by direction and name.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "frame",
		Name:      "total",
		Help:      "Total frames sent or received, by direction and frame name",
	}, []string{"direction", "name"})

	// FrameAwaitDuration tracks how long callers wait for a matching reply frame.
	FrameAwaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "frame",
		Name:      "await_duration_seconds",
		Help:      "Time spent waiting for a matching reply frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	})

	// HTTPRequestsTotal tracks the total number of HTTP transport requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP transport requests, by method and status",
	}, []string{"method", "status"})

	// HTTPRequestDuration tracks HTTP transport request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP transport requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// CachedPeople and CachedRooms track the current size of the entity cache.
	CachedPeople = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "cache",
		Name:      "people_count",
		Help:      "Current number of people held in the entity cache",
	})

	CachedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "cache",
		Name:      "rooms_count",
		Help:      "Current number of rooms held in the entity cache",
	})

	// CircuitBreakerState tracks the current state of a circuit breaker.
	// 0: Closed (Healthy), 1: Half-Open (Recovering), 2: Open (Failure)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: Closed, 1: Half-Open, 2: Open)",
	}, []string{"breaker"})

	// CircuitBreakerFailures counts requests rejected by a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by a circuit breaker",
	}, []string{"breaker"})

	// RateLimitExceeded counts calls rejected by the outbound self-throttle.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of outbound calls that exceeded the self-throttle",
	}, []string{"bucket"})

	// RateLimitChecks counts calls checked against the outbound self-throttle.
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "rate_limit",
		Name:      "checks_total",
		Help:      "Total number of outbound calls checked against the self-throttle",
	}, []string{"bucket"})

	// RedisOperationsTotal tracks session cache / event mirror Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations performed by the session cache and event mirror",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of those Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "teamwork_chat_client",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncSocketConnection() {
	ActiveSocketConnections.Inc()
}

func DecSocketConnection() {
	ActiveSocketConnections.Dec()
}

func IncSocketReconnect() {
	SocketReconnectsTotal.Inc()
}
