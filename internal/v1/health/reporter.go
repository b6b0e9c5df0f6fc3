// Package health exposes a small status reporter snapshotting the chat
// client's own liveness: socket state, heartbeat RTT, reconnect/downtime
// counters and circuit breaker state (spec.md §4.10). Unlike the video
// teacher's readiness probe, there is no upstream dependency to ping —
// this is a self-report of one long-lived client connection, wired to a
// gin endpoint only by the demo binary.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SocketStater is the minimal surface the reporter needs from the
// socket session to describe its current lifecycle state.
type SocketStater interface {
	State() string
}

// MonitorSnapshot captures the Session Orchestrator's reconnection
// bookkeeping (spec.md §4.6 "Monitor").
type MonitorSnapshot struct {
	InitialConnectionAt time.Time     `json:"initialConnectionAt"`
	LastDisconnectAt    *time.Time    `json:"lastDisconnectAt,omitempty"`
	Downtime            time.Duration `json:"downtimeNanos"`
	Disconnects         int           `json:"disconnects"`
	Reconnects          int           `json:"reconnects"`
}

// Reporter snapshots the running state of one chat client for
// operational visibility.
type Reporter struct {
	socket           SocketStater
	monitor          func() MonitorSnapshot
	circuitBreakers  func() map[string]string
	lastPongRTT      func() time.Duration
	lastHeartbeatAt  func() time.Time
}

// New constructs a Reporter. Any accessor may be nil: a nil socket
// reports SocketState "unknown", and any other nil accessor's field is
// omitted from the snapshot.
func New(socket SocketStater, monitor func() MonitorSnapshot, circuitBreakers func() map[string]string, lastPongRTT func() time.Duration, lastHeartbeatAt func() time.Time) *Reporter {
	return &Reporter{
		socket:          socket,
		monitor:         monitor,
		circuitBreakers: circuitBreakers,
		lastPongRTT:     lastPongRTT,
		lastHeartbeatAt: lastHeartbeatAt,
	}
}

// Status is the JSON-serializable snapshot returned by Snapshot.
type Status struct {
	SocketState        string            `json:"socketState"`
	LastHeartbeatAt    *time.Time        `json:"lastHeartbeatAt,omitempty"`
	LastPongRTTMillis  *int64            `json:"lastPongRttMillis,omitempty"`
	Monitor            *MonitorSnapshot  `json:"monitor,omitempty"`
	CircuitBreakers    map[string]string `json:"circuitBreakers,omitempty"`
}

// Snapshot gathers the current status from every configured accessor.
func (r *Reporter) Snapshot() Status {
	st := Status{SocketState: "unknown"}
	if r.socket != nil {
		st.SocketState = r.socket.State()
	}
	if r.lastHeartbeatAt != nil {
		t := r.lastHeartbeatAt()
		if !t.IsZero() {
			st.LastHeartbeatAt = &t
		}
	}
	if r.lastPongRTT != nil {
		ms := r.lastPongRTT().Milliseconds()
		st.LastPongRTTMillis = &ms
	}
	if r.monitor != nil {
		m := r.monitor()
		st.Monitor = &m
	}
	if r.circuitBreakers != nil {
		st.CircuitBreakers = r.circuitBreakers()
	}
	return st
}

// Handler returns a gin handler serving the current snapshot as JSON —
// the one place this module uses gin, as a library consumer's
// operational surface rather than the core client itself.
func (r *Reporter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, r.Snapshot())
	}
}
