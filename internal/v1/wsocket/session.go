// Package wsocket owns the persistent WebSocket to the chat server: the
// authentication handshake, frame multiplexing between outbound requests
// and inbound replies, the heartbeat liveness state machine, and close
// semantics that never block on the underlying socket's orderly shutdown.
package wsocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Heartbeat tuning, defaults per the wire protocol's liveness contract.
const (
	DefaultPingInterval   = 10 * time.Second
	DefaultPingTimeout    = 3 * time.Second
	DefaultPingMaxAttempt = 3
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("wsocket: session closed")

// ErrSocketClosed is the reason given to pending waiters when the socket
// goes away out from under them.
var ErrSocketClosed = errors.New("wsocket: socket closed")

// Dialer opens a client connection. Satisfied by *websocket.Dialer;
// abstracted so tests can substitute an in-process pipe.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

// Conn is the minimal surface Session needs from a WebSocket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
	SetReadDeadline(t time.Time) error
}

type gorillaDialer struct{ d *websocket.Dialer }

func (g gorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := g.d.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// DefaultDialer wraps gorilla/websocket's default dialer.
func DefaultDialer() Dialer {
	return gorillaDialer{d: websocket.DefaultDialer}
}

// HandshakeInfo is the payload sent in authentication.response.
type HandshakeInfo struct {
	AuthKey            string
	UserID             int
	InstallationDomain string
	InstallationID     int
	ClientVersion      string
}

// Config configures a Session.
type Config struct {
	Dialer Dialer
	URL    string
	// Token returns the current tw-auth cookie value. It is re-read on
	// every dial so a rotation (impersonate/unimpersonate) between
	// disconnect and reconnect is honored.
	Token          func() string
	Handshake      HandshakeInfo
	PingInterval   time.Duration
	PingTimeout    time.Duration
	PingMaxAttempt int
	AwaitTimeout   time.Duration

	// OnFrame is invoked for every inbound frame after waiter dispatch,
	// so the entity cache can apply server-push frames regardless of
	// whether an RPC is also awaiting a reply to the same frame.
	OnFrame func(frame.Frame)
	// OnStateChange is invoked whenever the session transitions state.
	OnStateChange func(State)
	// OnClose is invoked exactly once when the session transitions to
	// Reconnecting or Closed, carrying the reason.
	OnClose func(reason error)
}

type waiter struct {
	filter frame.Filter
	ch     chan frame.Frame
	once   sync.Once
	reason atomic.Pointer[error]
}

func (w *waiter) resolve(f frame.Frame) {
	w.once.Do(func() { w.ch <- f })
}

// reject closes the waiter's channel, recording reason so a blocked
// AwaitFrame/RaceFrames caller can quote it rather than just observing
// the generic ErrSocketClosed sentinel (spec.md §4.3's "descriptive
// error quoting the reason, code, and message").
func (w *waiter) reject(reason error) {
	w.once.Do(func() {
		w.reason.Store(&reason)
		close(w.ch)
	})
}

// closedErr wraps ErrSocketClosed with reason when one was recorded, so
// errors.Is(err, ErrSocketClosed) keeps working for existing callers.
func closedErr(reason error) error {
	if reason == nil {
		return ErrSocketClosed
	}
	return fmt.Errorf("%w: %v", ErrSocketClosed, reason)
}

// Session is one authenticated WebSocket connection and its frame
// multiplexer.
type Session struct {
	cfg  Config
	conn Conn
	ctr  frame.Counter

	state atomic.Int32

	mu      sync.Mutex
	waiters []*waiter
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	// closeReason records why the session closed, set before done is
	// closed so any goroutine observing <-s.done also sees the reason
	// (close-before-receive is a happens-before edge).
	closeReason atomic.Pointer[error]

	handshakeDone atomic.Bool

	pingCancel atomic.Pointer[context.CancelFunc]
	goneOnce   atomic.Pointer[sync.Once]

	lastHeartbeat atomic.Pointer[time.Time]
	lastPongRTT   atomic.Int64
}

// New constructs a Session. Connect must be called to actually dial and
// handshake.
func New(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.PingMaxAttempt == 0 {
		cfg.PingMaxAttempt = DefaultPingMaxAttempt
	}
	if cfg.AwaitTimeout == 0 {
		cfg.AwaitTimeout = 30 * time.Second
	}

	s := &Session{cfg: cfg, done: make(chan struct{})}
	s.goneOnce.Store(&sync.Once{})
	s.setState(Disconnected)
	return s
}

// LastHeartbeatAt returns the time of the most recently acknowledged
// ping, or the zero time if none has succeeded yet.
func (s *Session) LastHeartbeatAt() time.Time {
	if t := s.lastHeartbeat.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// LastPongRTT returns the round-trip time of the most recently
// acknowledged ping.
func (s *Session) LastPongRTT() time.Duration {
	return time.Duration(s.lastPongRTT.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect dials the socket and runs the authentication handshake,
// per the wire protocol's §4.3 steps. On success the session is
// Connected and the heartbeat loop has started.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(Connecting)
	// Reset from a prior connection's handshake so the fresh
	// authentication.request/confirmation pair is routed to this
	// handshake's early-buffer channel rather than falling straight
	// through to dispatch() as if already authenticated.
	s.handshakeDone.Store(false)
	s.goneOnce.Store(&sync.Once{})

	header := http.Header{}
	if s.cfg.Token != nil {
		header.Set("Cookie", "tw-auth="+s.cfg.Token())
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("wsocket: dial: %w", err)
	}
	s.conn = conn
	metrics.IncSocketConnection()

	// Buffer inbound messages from the moment the socket opens so no
	// frame arriving before the read loop + handshake waiters are
	// registered is lost (the race the handshake protocol calls out).
	early := make(chan frame.Frame, 16)
	readErrCh := make(chan error, 1)
	go s.readLoop(early, readErrCh)

	s.setState(Authenticating)
	if err := s.handshake(ctx, early, readErrCh); err != nil {
		s.conn.Close()
		s.setState(Disconnected)
		return err
	}

	s.setState(Connected)
	go s.heartbeatLoop()
	return nil
}

func (s *Session) handshake(ctx context.Context, early chan frame.Frame, readErrCh chan error) error {
	authReq, err := s.awaitFromChan(ctx, early, readErrCh, frame.TypeFilter("authentication.request"), 30*time.Second)
	if err != nil {
		return fmt.Errorf("wsocket: awaiting authentication.request: %w", err)
	}
	_ = authReq

	if _, err := s.sendFrame("authentication.response", map[string]any{
		"authKey":            s.cfg.Handshake.AuthKey,
		"userId":             s.cfg.Handshake.UserID,
		"installationDomain": s.cfg.Handshake.InstallationDomain,
		"installationId":     s.cfg.Handshake.InstallationID,
		"clientVersion":      s.cfg.Handshake.ClientVersion,
	}); err != nil {
		return fmt.Errorf("wsocket: sending authentication.response: %w", err)
	}

	result, err := s.awaitFirstFromChan(ctx, early, readErrCh, 30*time.Second,
		frame.TypeFilter("authentication.confirmation"),
		frame.TypeFilter("authentication.error"),
	)
	if err != nil {
		return fmt.Errorf("wsocket: awaiting authentication confirmation: %w", err)
	}
	if result.Name == "authentication.error" {
		return fmt.Errorf("wsocket: authentication error: %v", result.Contents)
	}

	// From this point readLoop dispatches directly; drain anything it
	// raced into the buffer before observing the flip.
	s.handshakeDone.Store(true)
drain:
	for {
		select {
		case f := <-early:
			s.dispatch(f)
		default:
			break drain
		}
	}
	return nil
}

// awaitFromChan and awaitFirstFromChan service the handshake window,
// before the general waiter/dispatch machinery in readLoop is the sole
// consumer of `early`.
func (s *Session) awaitFromChan(ctx context.Context, ch chan frame.Frame, errCh chan error, filter frame.Filter, timeout time.Duration) (frame.Frame, error) {
	return s.awaitFirstFromChan(ctx, ch, errCh, timeout, filter)
}

func (s *Session) awaitFirstFromChan(ctx context.Context, ch chan frame.Frame, errCh chan error, timeout time.Duration, filters ...frame.Filter) (frame.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frame.Frame{}, ErrSocketClosed
			}
			for _, filt := range filters {
				if ok, _ := frame.MatchFrame(filt, f); ok {
					return f, nil
				}
			}
			// Not a match for this wait; park it back for the next
			// reader by re-sending (bounded channel, handshake traffic
			// is tiny, this never blocks in practice).
			select {
			case ch <- f:
			default:
			}
		case err := <-errCh:
			return frame.Frame{}, err
		case <-deadline.C:
			return frame.Frame{}, context.DeadlineExceeded
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// readLoop decodes inbound messages and either feeds the handshake's
// early-buffer channel (until handshake sets handshakeDone) or
// dispatches to waiters/OnFrame. A read error goes to the handshake
// while it is still running, and to onSocketGone once it has finished.
func (s *Session) readLoop(early chan frame.Frame, errCh chan error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.handshakeDone.Load() {
				select {
				case errCh <- err:
				default:
				}
			} else {
				s.onSocketGone(err)
			}
			return
		}

		var f frame.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Error(context.Background(), "malformed inbound frame", zap.Error(err))
			continue
		}

		if s.handshakeDone.Load() {
			s.dispatch(f)
			continue
		}

		select {
		case early <- f:
		default:
			logging.Warn(context.Background(), "handshake buffer full, dropping frame", zap.String("name", f.Name))
		}
	}
}

// onSocketGone may race between the read loop (on a read error) and the
// heartbeat loop (on an exhausted ping); goneOnce ensures only the first
// caller transitions state and fires OnClose.
func (s *Session) onSocketGone(err error) {
	once := s.goneOnce.Load()
	once.Do(func() {
		if s.State() == Closed {
			return
		}
		s.setState(Reconnecting)
		s.rejectAllWaiters(fmt.Errorf("wsocket: socket closed: %w", err))
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(err)
		}
	})
}

// heartbeatLoop implements the liveness state machine: starting as soon
// as the session is Connected, send a ping as a socket-request and await
// the reply within PingTimeout; on success, record the RTT and wait
// PingInterval before the next ping. On timeout, retry immediately up to PingMaxAttempt times;
// after the last failure the connection is declared broken (spec's
// worst-case detection bound: PingInterval + PingMaxAttempt*PingTimeout).
func (s *Session) heartbeatLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pingCancel.Store(&cancel)
	defer cancel()

	for {
		acked := false
		for attempt := 1; attempt <= s.cfg.PingMaxAttempt; attempt++ {
			start := time.Now()
			_, err := s.SocketRequest(ctx, "ping", nil, s.cfg.PingTimeout)
			if err == nil {
				rtt := time.Since(start)
				s.lastPongRTT.Store(int64(rtt))
				metrics.SocketPingRTT.Observe(rtt.Seconds())
				now := time.Now()
				s.lastHeartbeat.Store(&now)
				acked = true
				break
			}

			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
		}

		if !acked {
			s.onSocketGone(fmt.Errorf("wsocket: no pong after %d attempts", s.cfg.PingMaxAttempt))
			return
		}

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PingInterval):
		}
	}
}

func (s *Session) dispatch(f frame.Frame) {
	direction := "received"
	metrics.FramesTotal.WithLabelValues(direction, f.Name).Inc()

	s.mu.Lock()
	var matched []*waiter
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if ok, _ := frame.MatchFrame(w.filter, f); ok {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	for _, w := range matched {
		w.resolve(f)
	}

	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(f)
	}
}

// SendFrame serializes and writes a frame, returning it (with its
// assigned nonce, if any).
func (s *Session) SendFrame(name string, contents map[string]any) (frame.Frame, error) {
	return s.sendFrame(name, contents)
}

func (s *Session) sendFrame(name string, contents map[string]any) (frame.Frame, error) {
	if s.State() == Closed {
		return frame.Frame{}, ErrClosed
	}
	f := frame.NewFrame(&s.ctr, name, contents, true)
	if err := s.writeFrame(f); err != nil {
		return frame.Frame{}, err
	}
	return f, nil
}

func (s *Session) writeFrame(f frame.Frame) error {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(f)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsocket: write: %w", err)
	}
	metrics.FramesTotal.WithLabelValues("sent", f.Name).Inc()
	return nil
}

// SendEvent writes a pure event frame with no nonce (fire-and-forget;
// no paired response is expected, so no reply can be correlated back).
func (s *Session) SendEvent(name string, contents map[string]any) error {
	if s.State() == Closed {
		return ErrClosed
	}
	f := frame.NewFrame(&s.ctr, name, contents, false)
	s.writeMu.Lock()
	err := s.conn.WriteJSON(f)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsocket: write: %w", err)
	}
	metrics.FramesTotal.WithLabelValues("sent", name).Inc()
	return nil
}

func (s *Session) addWaiter(filter frame.Filter) *waiter {
	w := &waiter{filter: filter, ch: make(chan frame.Frame, 1)}
	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	return w
}

// wait blocks until w resolves, the timeout elapses, ctx is cancelled,
// or the session closes.
func (s *Session) wait(ctx context.Context, w *waiter, timeout time.Duration) (frame.Frame, error) {
	if timeout == 0 {
		timeout = s.cfg.AwaitTimeout
	}

	start := time.Now()
	defer func() { metrics.FrameAwaitDuration.Observe(time.Since(start).Seconds()) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-w.ch:
		if !ok {
			var reason error
			if r := w.reason.Load(); r != nil {
				reason = *r
			}
			return frame.Frame{}, closedErr(reason)
		}
		return f, nil
	case <-timer.C:
		s.removeWaiter(w)
		return frame.Frame{}, context.DeadlineExceeded
	case <-ctx.Done():
		s.removeWaiter(w)
		return frame.Frame{}, ctx.Err()
	case <-s.done:
		s.removeWaiter(w)
		var reason error
		if r := s.closeReason.Load(); r != nil {
			reason = *r
		}
		return frame.Frame{}, closedErr(reason)
	}
}

// AwaitFrame registers a waiter and blocks until a matching inbound
// frame arrives, the timeout elapses, or the session closes.
func (s *Session) AwaitFrame(ctx context.Context, filter frame.Filter, timeout time.Duration) (frame.Frame, error) {
	return s.wait(ctx, s.addWaiter(filter), timeout)
}

// SendFrameAwaiting registers a waiter for filter before writing
// name/contents, so a reply arriving between the write and the wait can
// never be missed. Used for RPCs whose confirmation is matched by
// contents (an echoed event) rather than by nonce.
func (s *Session) SendFrameAwaiting(ctx context.Context, name string, contents map[string]any, filter frame.Filter, timeout time.Duration) (frame.Frame, error) {
	if s.State() == Closed {
		return frame.Frame{}, ErrClosed
	}
	w := s.addWaiter(filter)
	if _, err := s.sendFrame(name, contents); err != nil {
		s.removeWaiter(w)
		return frame.Frame{}, err
	}
	return s.wait(ctx, w, timeout)
}

// RaceFrames waits for the first of several filters to match, cancelling
// the rest. Returns the winning frame and its filter index.
func (s *Session) RaceFrames(ctx context.Context, timeout time.Duration, filters ...frame.Filter) (frame.Frame, int, error) {
	if timeout == 0 {
		timeout = s.cfg.AwaitTimeout
	}
	ws := make([]*waiter, len(filters))
	for i, f := range filters {
		w := &waiter{filter: f, ch: make(chan frame.Frame, 1)}
		ws[i] = w
		s.mu.Lock()
		s.waiters = append(s.waiters, w)
		s.mu.Unlock()
	}

	cleanup := func(winner int) {
		for i, w := range ws {
			if i != winner {
				s.removeWaiter(w)
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cases := make(chan struct {
		idx int
		f   frame.Frame
		ok  bool
	}, len(ws))
	for i, w := range ws {
		go func(i int, w *waiter) {
			f, ok := <-w.ch
			cases <- struct {
				idx int
				f   frame.Frame
				ok  bool
			}{i, f, ok}
		}(i, w)
	}

	select {
	case res := <-cases:
		cleanup(res.idx)
		if !res.ok {
			var reason error
			if r := ws[res.idx].reason.Load(); r != nil {
				reason = *r
			}
			return frame.Frame{}, res.idx, closedErr(reason)
		}
		return res.f, res.idx, nil
	case <-timer.C:
		cleanup(-1)
		return frame.Frame{}, -1, context.DeadlineExceeded
	case <-ctx.Done():
		cleanup(-1)
		return frame.Frame{}, -1, ctx.Err()
	}
}

// SocketRequest sends name/contents and awaits a frame whose nonce
// matches the one assigned to the outbound frame. The waiter is
// registered before the write hits the wire, so even an instant reply
// finds it.
func (s *Session) SocketRequest(ctx context.Context, name string, contents map[string]any, timeout time.Duration) (frame.Frame, error) {
	if s.State() == Closed {
		return frame.Frame{}, ErrClosed
	}
	f := frame.NewFrame(&s.ctr, name, contents, true)
	w := s.addWaiter(frame.NonceFilter(*f.Nonce))
	if err := s.writeFrame(f); err != nil {
		s.removeWaiter(w)
		return frame.Frame{}, err
	}
	return s.wait(ctx, w, timeout)
}

// BufferFrames captures the next count frames into a slice.
func (s *Session) BufferFrames(ctx context.Context, count int, timeout time.Duration) ([]frame.Frame, error) {
	out := make([]frame.Frame, 0, count)
	for len(out) < count {
		f, err := s.AwaitFrame(ctx, frame.Filter{Any: true}, timeout)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Session) removeWaiter(target *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Session) rejectAllWaiters(reason error) {
	s.closeReason.Store(&reason)

	s.mu.Lock()
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range pending {
		w.reject(reason)
	}
}

// Close transitions the session to Closed. It never waits for the
// underlying socket's orderly close handshake: it closes the transport,
// then synchronously rejects pending waiters and notifies OnClose so
// observers see the close promptly rather than after a TCP-level delay.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		reason := error(ErrClosed)
		s.closeReason.Store(&reason)
		close(s.done)
		if cancel := s.pingCancel.Load(); cancel != nil {
			(*cancel)()
		}
		if s.conn != nil {
			s.conn.Close()
			metrics.DecSocketConnection()
		}
		s.rejectAllWaiters(ErrClosed)
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(ErrClosed)
		}
	})
}
