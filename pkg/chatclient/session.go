// Package chatclient is the public, importable surface of this module
// (spec.md §4.6 Session Orchestrator): it owns the Wire Client and the
// Entity Cache, arbitrates Person/Room lookups, and runs the
// reconnection loop with catch-up. Everything under internal/v1 is
// plumbing in service of this one type.
package chatclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/credentials"
	"github.com/nullhq/teamchat-go/internal/v1/entitycache"
	"github.com/nullhq/teamchat-go/internal/v1/eventmirror"
	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/health"
	"github.com/nullhq/teamchat-go/internal/v1/httptransport"
	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/nullhq/teamchat-go/internal/v1/ratelimit"
	"github.com/nullhq/teamchat-go/internal/v1/sessioncache"
	"github.com/nullhq/teamchat-go/internal/v1/wireclient"
	"github.com/nullhq/teamchat-go/internal/v1/wsocket"
	"go.uber.org/zap"
)

// DefaultReconnectInterval is the constant back-off between reconnect
// attempts (spec.md §4.6).
const DefaultReconnectInterval = 3 * time.Second

// Config configures a Session.
type Config struct {
	InstallationURL string
	SocketServerURL string
	Credentials     credentials.Credentials

	RateLimiter       *ratelimit.Limiter
	EventMirror       *eventmirror.Service
	ReconnectInterval time.Duration

	PingInterval   time.Duration
	PingTimeout    time.Duration
	PingMaxAttempt int
	AwaitTimeout   time.Duration

	Dialer wsocket.Dialer
}

// Monitor is the reconnection bookkeeping of spec.md §4.6.
type Monitor struct {
	InitialConnectionAt time.Time
	LastDisconnectAt    *time.Time
	Downtime            time.Duration
	Disconnects         int
	Reconnects          int
}

// ReconnectResult is the payload of an EventReconnect, per spec.md
// §4.5: counts of what catch-up resynchronized, plus the elapsed
// downtime.
type ReconnectResult struct {
	People   int
	Rooms    int
	Messages int
	Downtime time.Duration
}

// Session is the Session Orchestrator: one authenticated connection to
// one installation, its live entity model, and the reconnect loop that
// keeps it alive.
type Session struct {
	cfg   Config
	wc    *wireclient.Client
	cache *entitycache.Cache

	forceClosed atomic.Bool
	closeOnce   sync.Once

	mu               sync.Mutex
	monitor          Monitor
	lastDisconnectAt *time.Time
}

// Connect logs in (per cfg.Credentials), dials and handshakes the
// socket, and starts the reconnect loop. The returned Session is ready
// for use.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	s := &Session{cfg: cfg}

	wcCfg := wireclient.Config{
		InstallationURL: cfg.InstallationURL,
		SocketServerURL: cfg.SocketServerURL,
		PingInterval:    cfg.PingInterval,
		PingTimeout:     cfg.PingTimeout,
		PingMaxAttempt:  cfg.PingMaxAttempt,
		AwaitTimeout:    cfg.AwaitTimeout,
		RateLimiter:     cfg.RateLimiter,
		RateLimiterKey:  cfg.InstallationURL,
		Dialer:          cfg.Dialer,
		OnFrame:         s.onFrame,
		OnClose:         s.onClose,
	}

	wc, account, err := wireclient.From(ctx, wcCfg, cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("chatclient: login: %w", err)
	}
	s.wc = wc
	s.cache = entitycache.New(account.ID, s.fetchRoom, s.fetchPerson)

	if cfg.EventMirror != nil {
		s.cache.Events.OnAny(func(ev entitycache.Event) {
			cfg.EventMirror.Mirror(string(ev.Type), ev.Payload)
		})
	}

	if err := wc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("chatclient: connect: %w", err)
	}

	if self, err := wc.GetPerson(ctx, account.ID); err == nil {
		s.cache.SavePerson(self)
	} else {
		logging.Warn(ctx, "failed to prefetch self person", zap.Error(err))
	}

	s.monitor.InitialConnectionAt = time.Now()
	s.cache.Events.Emit(entitycache.Event{Type: entitycache.EventConnected, Payload: nil})

	return s, nil
}

func (s *Session) onFrame(f frame.Frame) {
	s.cache.ApplyFrame(context.Background(), f)
}

// onClose is wsocket's OnClose callback: it fires once per socket
// break, drives the reconnect loop unless the session was explicitly
// closed, and performs catch-up on a successful reconnect (spec.md §5
// & §9).
func (s *Session) onClose(reason error) {
	if s.forceClosed.Load() {
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.monitor.LastDisconnectAt = &now
	s.monitor.Disconnects++
	s.lastDisconnectAt = &now
	s.mu.Unlock()

	s.cache.Events.Emit(entitycache.Event{Type: entitycache.EventDisconnect, Payload: reason})

	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	for {
		if s.forceClosed.Load() {
			return
		}
		time.Sleep(s.cfg.ReconnectInterval)
		if s.forceClosed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.wc.Connect(ctx)
		cancel()
		if err != nil {
			logging.Warn(context.Background(), "reconnect attempt failed", zap.Error(err))
			continue
		}

		s.onReconnected()
		return
	}
}

func (s *Session) onReconnected() {
	metrics.IncSocketReconnect()

	s.mu.Lock()
	since := s.lastDisconnectAt
	var downtime time.Duration
	if since != nil {
		downtime = time.Since(*since)
	}
	s.monitor.Downtime += downtime
	s.monitor.Reconnects++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	updates := s.fetchUpdates(ctx, since)
	result := ReconnectResult{
		People:   len(updates.People),
		Rooms:    len(updates.Rooms),
		Messages: len(updates.Messages),
		Downtime: downtime,
	}

	s.cache.Events.Emit(entitycache.Event{Type: entitycache.EventReconnect, Payload: result})
}

// Updates is the result of a catch-up sweep: everything that changed
// server-side since a given instant, already applied to the cache
// (which de-duplicates against what was known before the break).
type Updates struct {
	People   []*entitycache.Person
	Rooms    []*entitycache.Room
	Messages []*entitycache.Message
}

// GetUpdates fetches people, rooms and messages changed since the given
// instant and applies them to the cache. The reconnect loop runs the
// same sweep with since = the last disconnect timestamp.
func (s *Session) GetUpdates(ctx context.Context, since time.Time) Updates {
	return s.fetchUpdates(ctx, &since)
}

// fetchUpdates runs the three catch-up queries. Each query failing is
// logged and skipped rather than aborting the sweep: a partial catch-up
// still leaves the cache better off than none.
func (s *Session) fetchUpdates(ctx context.Context, since *time.Time) Updates {
	var updates Updates

	filter := wireclient.ListFilter{}
	if since != nil {
		filter.Since = since
	}

	if people, err := s.wc.GetPeople(ctx, filter); err == nil {
		for _, item := range people.Items {
			if raw, ok := item.(map[string]any); ok {
				p, _ := s.cache.SavePerson(raw)
				updates.People = append(updates.People, p)
			}
		}
	} else {
		logging.Warn(ctx, "catch-up: fetching people failed", zap.Error(err))
	}

	if rooms, err := s.wc.GetRooms(ctx, filter); err == nil {
		for _, item := range rooms.Items {
			if raw, ok := item.(map[string]any); ok {
				r, _, _, _ := s.cache.SaveRoom(raw)
				updates.Rooms = append(updates.Rooms, r)
			}
		}
	} else {
		logging.Warn(ctx, "catch-up: fetching rooms failed", zap.Error(err))
	}

	if messages, err := s.wc.GetUserMessages(ctx, filter); err == nil {
		for _, item := range messages.Items {
			raw, ok := item.(map[string]any)
			if !ok {
				continue
			}
			room := s.cache.RoomByID(asInt(raw["roomId"]))
			if m := decodeMessage(raw, room); m != nil {
				updates.Messages = append(updates.Messages, m)
			}
		}
	} else {
		logging.Warn(ctx, "catch-up: fetching messages failed", zap.Error(err))
	}

	return updates
}

func (s *Session) fetchRoom(ctx context.Context, id int) (map[string]any, error) {
	return s.wc.GetRoom(ctx, id)
}

func (s *Session) fetchPerson(ctx context.Context, id int) (map[string]any, error) {
	return s.wc.GetPerson(ctx, id)
}

// CurrentUser returns the Person representing this session's own
// account.
func (s *Session) CurrentUser() *entitycache.Person {
	return s.cache.PersonByID(s.cache.CurrentUserID())
}

// Events exposes the underlying entity cache's event emitter, so
// callers can subscribe to the taxonomy in spec.md §4.5 (plus
// connect/disconnect/reconnect, emitted directly by the orchestrator).
func (s *Session) Events() *entitycache.Emitter {
	return s.cache.Events
}

// GetPerson returns the cached Person by id, or nil.
func (s *Session) GetPerson(id int) *entitycache.Person {
	return s.cache.PersonByID(id)
}

// GetPersonByHandle returns the cached Person by handle, fetching and
// caching it via a handle search if not already known.
func (s *Session) GetPersonByHandle(ctx context.Context, handle string) (*entitycache.Person, error) {
	if p := s.cache.PersonByHandle(handle); p != nil {
		return p, nil
	}
	raw, err := s.wc.GetPersonByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	p, _ := s.cache.SavePerson(raw)
	return p, nil
}

// GetAllPeople returns every currently cached Person.
func (s *Session) GetAllPeople() []*entitycache.Person {
	return s.cache.AllPeople()
}

// GetPeople lists people from the server matching filter (not limited
// to the local cache), caching each result.
func (s *Session) GetPeople(ctx context.Context, filter wireclient.ListFilter) ([]*entitycache.Person, error) {
	result, err := s.wc.GetPeople(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*entitycache.Person, 0, len(result.Items))
	for _, item := range result.Items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p, _ := s.cache.SavePerson(raw)
		out = append(out, p)
	}
	return out, nil
}

// GetRoom returns the cached Room by id, or nil.
func (s *Session) GetRoom(id int) *entitycache.Room {
	return s.cache.RoomByID(id)
}

// GetRoomByTitle returns the first cached Room with the given title.
func (s *Session) GetRoomByTitle(title string) *entitycache.Room {
	return s.cache.RoomByTitle(title)
}

// GetAllRooms returns every currently cached Room.
func (s *Session) GetAllRooms() []*entitycache.Room {
	return s.cache.AllRooms()
}

// GetRooms lists rooms from the server matching filter, caching each
// result.
func (s *Session) GetRooms(ctx context.Context, filter wireclient.ListFilter) ([]*entitycache.Room, error) {
	result, err := s.wc.GetRooms(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*entitycache.Room, 0, len(result.Items))
	for _, item := range result.Items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r, _, _, _ := s.cache.SaveRoom(raw)
		out = append(out, r)
	}
	return out, nil
}

// GetRoomForHandles implements spec.md §4.6: resolves to a single
// other person's pair room when possible, otherwise the first locally
// known room whose participants are a superset of handles, otherwise
// an uninitialized Room realized on first Room.SendMessage.
func (s *Session) GetRoomForHandles(ctx context.Context, handles []string) (*entitycache.Room, error) {
	people := make([]*entitycache.Person, 0, len(handles))
	for _, h := range handles {
		p, err := s.GetPersonByHandle(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("chatclient: resolving handle %q: %w", h, err)
		}
		people = append(people, p)
	}

	if len(people) == 1 && people[0].PairRoom != nil {
		return people[0].PairRoom, nil
	}

	want := make(map[string]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}
	for _, r := range s.cache.AllRooms() {
		if roomHandlesSuperset(r, want) {
			return r, nil
		}
	}

	return &entitycache.Room{People: people}, nil
}

func roomHandlesSuperset(r *entitycache.Room, want map[string]bool) bool {
	have := make(map[string]bool, len(r.People))
	for _, p := range r.People {
		have[p.Handle] = true
	}
	for h := range want {
		if !have[h] {
			return false
		}
	}
	return true
}

// CreateRoomWithHandles creates and caches a new room immediately (as
// opposed to the lazy realization path on Room.SendMessage).
func (s *Session) CreateRoomWithHandles(ctx context.Context, handles []string, message string) (*entitycache.Room, error) {
	raw, err := s.wc.CreateRoomWithHandles(ctx, handles, message)
	if err != nil {
		return nil, err
	}
	room, _, _, _ := s.cache.SaveRoom(raw)
	return room, nil
}

// SendRoomMessage sends body to room, realizing an uninitialized Room
// server-side first if needed (spec.md §4.6).
func (s *Session) SendRoomMessage(ctx context.Context, room *entitycache.Room, body string) (*entitycache.Message, error) {
	if !room.Initialized() {
		return s.realizeAndSend(ctx, room, body)
	}
	raw, err := s.wc.SendMessage(ctx, room.IDValue(), body)
	if err != nil {
		return nil, err
	}
	return decodeMessage(raw, room), nil
}

// realizeAndSend implements the "first sendMessage creates the room"
// path: POST the room+initial message, GET the new room id, realize
// the Room, GET its messages, and return the last one as acknowledged
// (spec.md §4.6).
func (s *Session) realizeAndSend(ctx context.Context, uninitialized *entitycache.Room, body string) (*entitycache.Message, error) {
	handles := make([]string, 0, len(uninitialized.People))
	for _, p := range uninitialized.People {
		handles = append(handles, p.Handle)
	}

	raw, err := s.wc.CreateRoomWithHandles(ctx, handles, body)
	if err != nil {
		return nil, fmt.Errorf("chatclient: realizing room: %w", err)
	}
	room, _, _, _ := s.cache.SaveRoom(raw)
	if room == nil || !room.Initialized() {
		return nil, fmt.Errorf("chatclient: realized room has no id")
	}

	messages, err := s.wc.GetRoomMessages(ctx, room.IDValue(), httptransport.PageOptions{})
	if err != nil || len(messages.Items) == 0 {
		return nil, fmt.Errorf("chatclient: fetching realized room's messages: %w", err)
	}
	last, _ := messages.Items[len(messages.Items)-1].(map[string]any)
	return decodeMessage(last, room), nil
}

// UpdateStatus sets the current user's presence; status must be "idle"
// or "active".
func (s *Session) UpdateStatus(ctx context.Context, status string) error {
	return s.wc.UpdateStatus(ctx, status)
}

// UpdateHandle renames the current user's handle server-side and
// applies the change to the cached Person.
func (s *Session) UpdateHandle(ctx context.Context, handle string) error {
	self := s.CurrentUser()
	if self == nil {
		return fmt.Errorf("chatclient: current user not cached")
	}
	raw, err := s.wc.UpdatePerson(ctx, self.ID, map[string]any{"handle": handle})
	if err != nil {
		return err
	}
	if len(raw) > 0 && raw["id"] != nil {
		s.cache.SavePerson(raw)
	} else {
		s.cache.SetPersonField(self.ID, "handle", handle)
	}
	return nil
}

// GetUnseenCount requests the unseen-count summary over the socket.
func (s *Session) GetUnseenCount(ctx context.Context) (wireclient.UnseenCounts, error) {
	return s.wc.GetUnseenCounts(ctx)
}

// GetMessages lists the current user's messages across all rooms.
func (s *Session) GetMessages(ctx context.Context, filter wireclient.ListFilter) ([]*entitycache.Message, error) {
	result, err := s.wc.GetUserMessages(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*entitycache.Message, 0, len(result.Items))
	for _, item := range result.Items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		room := s.cache.RoomByID(asInt(raw["roomId"]))
		if m := decodeMessage(raw, room); m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Impersonate switches the session to act as the given person. The
// rotated tw-auth token is picked up by subsequent HTTP calls and by
// the next socket dial.
func (s *Session) Impersonate(ctx context.Context, personID int) error {
	_, err := s.wc.Impersonate(ctx, personID)
	return err
}

// Unimpersonate reverts a prior Impersonate.
func (s *Session) Unimpersonate(ctx context.Context) error {
	_, err := s.wc.Unimpersonate(ctx)
	return err
}

// Snapshot captures the current session state as a sessioncache.Record.
func (s *Session) Snapshot() sessioncache.Record {
	people := s.cache.AllPeople()
	personSnaps := make([]sessioncache.PersonSnapshot, 0, len(people))
	for _, p := range people {
		personSnaps = append(personSnaps, sessioncache.PersonSnapshot{ID: p.ID, Handle: p.Handle, Status: string(p.Status)})
	}

	rooms := s.cache.AllRooms()
	roomSnaps := make([]sessioncache.RoomSnapshot, 0, len(rooms))
	for _, r := range rooms {
		if !r.Initialized() {
			continue
		}
		title := ""
		if r.Title != nil {
			title = *r.Title
		}
		roomSnaps = append(roomSnaps, sessioncache.RoomSnapshot{ID: r.IDValue(), Type: string(r.Type), Title: title})
	}

	return sessioncache.Record{
		UserID:       s.cache.CurrentUserID(),
		Installation: s.cfg.InstallationURL,
		TwAuth:       s.wc.Token(),
		Rooms:        roomSnaps,
		People:       personSnaps,
		SavedAt:      time.Now().UTC(),
	}
}

// MonitorSnapshot returns a copy of the current reconnect bookkeeping.
func (s *Session) MonitorSnapshot() Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// socketStater adapts wsocket.Session's State (a wsocket.State) to the
// plain string health.SocketStater expects, so that package needn't
// import wsocket.
type socketStater struct{ socket *wsocket.Session }

func (a socketStater) State() string { return a.socket.State().String() }

// HealthReporter builds a health.Reporter snapshotting this session's
// socket state, heartbeat RTT, reconnect bookkeeping, and HTTP circuit
// breaker state (spec.md §4.10). Intended for a demo/operational binary
// to expose as a status endpoint; the core client has no dependency on
// it.
func (s *Session) HealthReporter() *health.Reporter {
	return health.New(
		socketStater{socket: s.wc.Socket()},
		func() health.MonitorSnapshot {
			m := s.MonitorSnapshot()
			return health.MonitorSnapshot{
				InitialConnectionAt: m.InitialConnectionAt,
				LastDisconnectAt:    m.LastDisconnectAt,
				Downtime:            m.Downtime,
				Disconnects:         m.Disconnects,
				Reconnects:          m.Reconnects,
			}
		},
		func() map[string]string {
			return map[string]string{"httptransport": s.wc.Transport().BreakerState()}
		},
		s.wc.Socket().LastPongRTT,
		s.wc.Socket().LastHeartbeatAt,
	)
}

// Close is idempotent: it stops the reconnect loop and closes the
// socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.forceClosed.Store(true)
		s.wc.Close()
	})
}

// Logout closes the session and revokes the server-side tw-auth token.
func (s *Session) Logout(ctx context.Context) error {
	s.forceClosed.Store(true)
	return s.wc.Logout(ctx)
}
