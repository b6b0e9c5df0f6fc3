package wireclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/wsocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn/fakeDialer mirror wsocket's own test doubles (unexported
// there too) so wireclient can exercise Connect/SocketRequest without a
// real network socket.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []any
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return 0, nil, wsocket.ErrSocketClosed
		}
		return 1, msg, nil
	case <-f.closed:
		return 0, nil, wsocket.ErrSocketClosed
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) push(t *testing.T, name string, contents map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame.Frame{ContentType: "object", Name: name, Contents: contents})
	require.NoError(t, err)
	f.inbound <- data
}

func (f *fakeConn) lastWritten() (frame.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return frame.Frame{}, false
	}
	fr, ok := f.written[len(f.written)-1].(frame.Frame)
	return fr, ok
}

type fakeDialer struct{ conn *fakeConn }

func (d fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (wsocket.Conn, *http.Response, error) {
	return d.conn, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
}

// newLoggedInTestServer serves just enough of the REST surface
// (login + me.json) for newClient to complete.
func newLoggedInTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/launchpad/v1/login.json", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "tw-auth", Value: "tok-1"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat/me.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{
				"id":             139099,
				"authkey":        "ak-1",
				"installationId": 42,
			},
		})
	})
	mux.HandleFunc("/people/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			http.SetCookie(w, &http.Cookie{Name: "tw-auth", Value: "tok-2"})
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/chat/v3/people.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"people": []any{
				map[string]any{"id": 2, "handle": "peter"},
			},
		})
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	server := newLoggedInTestServer(t)
	t.Cleanup(server.Close)

	conn := newFakeConn()
	client, account, err := FromCredentials(context.Background(), Config{
		InstallationURL: server.URL,
		SocketServerURL: "ws://fake.invalid",
		Dialer:          fakeDialer{conn: conn},
		AwaitTimeout:    time.Second,
	}, "adrianc", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, 139099, account.ID)

	return client, conn
}

func connect(t *testing.T, client *Client, conn *fakeConn) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()
	conn.push(t, "authentication.request", map[string]any{})
	conn.push(t, "authentication.confirmation", map[string]any{})
	require.NoError(t, <-done)
}

func TestClient_FromCredentialsLogsInAndConnects(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	assert.Equal(t, wsocket.Connected, client.Socket().State())
}

func TestClient_SendMessageRoundTrips(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	done := make(chan struct {
		res map[string]any
		err error
	}, 1)
	go func() {
		res, err := client.SendMessage(context.Background(), 5, "hello")
		done <- struct {
			res map[string]any
			err error
		}{res, err}
	}()

	var sent frame.Frame
	require.Eventually(t, func() bool {
		var ok bool
		sent, ok = conn.lastWritten()
		return ok && sent.Name == "room.message.created"
	}, time.Second, time.Millisecond)
	// Written frames are captured before serialization, so the contents
	// still hold the Go-native int rather than JSON's float64.
	assert.Equal(t, 5, sent.Contents["roomId"])

	reply, err := json.Marshal(frame.Frame{ContentType: "object", Name: "room.message.created", Nonce: sent.Nonce, Contents: map[string]any{"id": 77, "body": "hello"}})
	require.NoError(t, err)
	conn.inbound <- reply

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, float64(77), res.res["id"])
}

func TestClient_ImpersonateRotatesSharedToken(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	token, err := client.Impersonate(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
	assert.Equal(t, "tok-2", client.token.Get())
}

func TestClient_GetPersonByHandleExactMatch(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	person, err := client.GetPersonByHandle(context.Background(), "peter")
	require.NoError(t, err)
	assert.Equal(t, float64(2), person["id"])

	_, err = client.GetPersonByHandle(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

// requestRecord captures one inbound request's shape for assertions,
// since the REST RPCs in rpc.go are otherwise opaque from the caller's
// side (they return decoded bodies, not the request that produced them).
type requestRecord struct {
	method string
	path   string
	query  url.Values
	body   map[string]any
}

// newRecordingTestClient extends newLoggedInTestServer's routes with
// handlers for the room/message/person RPC surface, recording the last
// request seen at each path so tests can assert exact method/path/query/
// body against spec.md §6's bit-exact documented shapes.
func newRecordingTestClient(t *testing.T) (*Client, *fakeConn, map[string]*requestRecord) {
	t.Helper()
	records := map[string]*requestRecord{}
	var mu sync.Mutex

	record := func(key string, w http.ResponseWriter, r *http.Request, body map[string]any) {
		mu.Lock()
		records[key] = &requestRecord{method: r.Method, path: r.URL.Path, query: r.URL.Query(), body: body}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}

	decodeBody := func(r *http.Request) map[string]any {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		return body
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/launchpad/v1/login.json", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "tw-auth", Value: "tok-1"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat/me.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{"id": 139099, "authkey": "ak-1", "installationId": 42},
		})
	})
	mux.HandleFunc("/chat/v3/conversations.json", func(w http.ResponseWriter, r *http.Request) {
		record("conversations.list", w, r, nil)
	})
	mux.HandleFunc("/chat/v3/people.json", func(w http.ResponseWriter, r *http.Request) {
		record("people.list", w, r, nil)
	})
	mux.HandleFunc("/chat/v2/conversations/5.json", func(w http.ResponseWriter, r *http.Request) {
		record("conversation.update", w, r, decodeBody(r))
	})
	mux.HandleFunc("/chat/rooms/5.json", func(w http.ResponseWriter, r *http.Request) {
		record("room.delete", w, r, nil)
	})
	mux.HandleFunc("/chat/rooms/5/messages.json", func(w http.ResponseWriter, r *http.Request) {
		key := "messages.delete"
		if r.Method == http.MethodPut {
			key = "messages.undelete"
		}
		record(key, w, r, decodeBody(r))
	})
	mux.HandleFunc("/chat/people/2.json", func(w http.ResponseWriter, r *http.Request) {
		key := "person.get"
		if r.Method == http.MethodPut {
			key = "person.update"
		}
		record(key, w, r, decodeBody(r))
	})
	mux.HandleFunc("/chat/v2/rooms.json", func(w http.ResponseWriter, r *http.Request) {
		record("room.create", w, r, decodeBody(r))
	})
	mux.HandleFunc("/chat/v2/rooms/5.json", func(w http.ResponseWriter, r *http.Request) {
		record("room.get", w, r, nil)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	conn := newFakeConn()
	client, _, err := FromCredentials(context.Background(), Config{
		InstallationURL: server.URL,
		SocketServerURL: "ws://fake.invalid",
		Dialer:          fakeDialer{conn: conn},
		AwaitTimeout:    time.Second,
	}, "adrianc", "hunter2")
	require.NoError(t, err)

	return client, conn, records
}

func TestClient_GetPeopleHitsV3PeopleEndpoint(t *testing.T) {
	client, conn, records := newRecordingTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := client.GetPeople(context.Background(), ListFilter{Since: &since, Search: "peter"})
	require.NoError(t, err)

	rec := records["people.list"]
	require.NotNil(t, rec)
	assert.Equal(t, "/chat/v3/people.json", rec.path)
	assert.Equal(t, "peter", rec.query.Get("filter[searchTerm]"))
	assert.Equal(t, since.Format(time.RFC3339), rec.query.Get("filter[updatedAfter]"))
}

func TestClient_GetRoomsHitsV3ConversationsEndpoint(t *testing.T) {
	client, conn, records := newRecordingTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	_, err := client.GetRooms(context.Background(), ListFilter{Status: "active", Search: "peter"})
	require.NoError(t, err)

	rec := records["conversations.list"]
	require.NotNil(t, rec)
	assert.Equal(t, "/chat/v3/conversations.json", rec.path)
	assert.Equal(t, "active", rec.query.Get("filter[status]"))
	assert.Equal(t, "peter", rec.query.Get("filter[searchTerm]"))
	assert.Equal(t, "lastActivityAt", rec.query.Get("sort"))
}

func TestClient_RoomMutationEndpointsMatchSpec(t *testing.T) {
	client, conn, records := newRecordingTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	ctx := context.Background()

	require.NoError(t, client.UpdateRoomTitle(ctx, 5, "New Title"))
	rec := records["conversation.update"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodPut, rec.method)
	assert.Equal(t, "/chat/v2/conversations/5.json", rec.path)
	conversation, _ := rec.body["conversation"].(map[string]any)
	assert.Equal(t, "New Title", conversation["title"])

	require.NoError(t, client.DeleteRoom(ctx, 5))
	rec = records["room.delete"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodDelete, rec.method)
	assert.Equal(t, "/chat/rooms/5.json", rec.path)

	require.NoError(t, client.DeleteMessages(ctx, 5, []int{1, 2}))
	rec = records["messages.delete"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodDelete, rec.method)
	assert.Equal(t, "/chat/rooms/5/messages.json", rec.path)
	ids, _ := rec.body["ids"].([]any)
	assert.Equal(t, []any{float64(1), float64(2)}, ids)

	require.NoError(t, client.UndeleteMessages(ctx, 5, []int{1}))
	rec = records["messages.undelete"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodPut, rec.method)
	messages, _ := rec.body["messages"].([]any)
	require.Len(t, messages, 1)
	msg, _ := messages[0].(map[string]any)
	assert.Equal(t, float64(1), msg["id"])
	assert.Equal(t, "active", msg["status"])

	_, err := client.GetPerson(ctx, 2)
	require.NoError(t, err)
	rec = records["person.get"]
	require.NotNil(t, rec)
	assert.Equal(t, "/chat/people/2.json", rec.path)

	_, err = client.UpdatePerson(ctx, 2, map[string]any{"title": "Engineer"})
	require.NoError(t, err)
	rec = records["person.update"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodPut, rec.method)
	person, _ := rec.body["person"].(map[string]any)
	assert.Equal(t, "Engineer", person["title"])
}

func TestClient_CreateRoomWrapsHandlesAndMessageBody(t *testing.T) {
	client, conn, records := newRecordingTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	_, err := client.CreateRoomWithHandles(context.Background(), []string{"peter", "joe"}, "hello all")
	require.NoError(t, err)

	rec := records["room.create"]
	require.NotNil(t, rec)
	assert.Equal(t, http.MethodPost, rec.method)
	room, _ := rec.body["room"].(map[string]any)
	require.NotNil(t, room)
	assert.Equal(t, []any{"peter", "joe"}, room["handles"])
	message, _ := room["message"].(map[string]any)
	assert.Equal(t, "hello all", message["body"])
}

func TestClient_GetRoomRequestsUserData(t *testing.T) {
	client, conn, records := newRecordingTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	_, err := client.GetRoom(context.Background(), 5)
	require.NoError(t, err)

	rec := records["room.get"]
	require.NotNil(t, rec)
	assert.Equal(t, "/chat/v2/rooms/5.json", rec.path)
	assert.Equal(t, "true", rec.query.Get("includeUserData"))
}

// Typing's confirmation is the server re-broadcasting the event with the
// sender's own userId, not a nonce-correlated reply.
func TestClient_TypingAwaitsContentsEcho(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- client.Typing(context.Background(), 5, true) }()

	require.Eventually(t, func() bool {
		f, ok := conn.lastWritten()
		return ok && f.Name == "room.typing"
	}, time.Second, time.Millisecond)

	// An echo for a different user must not resolve the wait.
	conn.push(t, "room.typing", map[string]any{"userId": 7, "roomId": 5, "isTyping": true})
	select {
	case err := <-done:
		t.Fatalf("typing resolved on another user's echo: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	conn.push(t, "room.typing", map[string]any{"userId": 139099, "roomId": 5, "isTyping": true})
	require.NoError(t, <-done)
}

func TestClient_ActivateRoomAwaitsActiveAtEcho(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	done := make(chan struct {
		res map[string]any
		err error
	}, 1)
	go func() {
		res, err := client.ActivateRoom(context.Background(), 5)
		done <- struct {
			res map[string]any
			err error
		}{res, err}
	}()

	var sent frame.Frame
	require.Eventually(t, func() bool {
		var ok bool
		sent, ok = conn.lastWritten()
		return ok && sent.Name == "room.user.active"
	}, time.Second, time.Millisecond)

	date, _ := sent.Contents["date"].(string)
	require.NotEmpty(t, date)
	conn.push(t, "room.user.active", map[string]any{"roomId": 5, "date": "2024-06-01T00:00:01Z", "activeAt": date})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, date, res.res["activeAt"])
}

// UpdateStatus is fire-and-forget: the outbound frame must carry no
// nonce, since no reply will ever be correlated back to it.
func TestClient_UpdateStatusSendsUnnoncedEvent(t *testing.T) {
	client, conn := newTestClient(t)
	connect(t, client, conn)
	defer client.Close()

	require.NoError(t, client.UpdateStatus(context.Background(), "idle"))

	f, ok := conn.lastWritten()
	require.True(t, ok)
	assert.Equal(t, "user.modified.status", f.Name)
	assert.Nil(t, f.Nonce)
	assert.Equal(t, "idle", f.Contents["status"])

	assert.Error(t, client.UpdateStatus(context.Background(), "online"), "only idle and active are legal")
}
