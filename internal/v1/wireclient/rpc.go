package wireclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/httptransport"
)

// ErrNotFound is returned by GetPersonByHandle when the search turns up
// no exact match.
var ErrNotFound = fmt.Errorf("wireclient: not found")

// SendMessage posts roomId/body over the socket and resolves the
// server-assigned Message (spec.md §4.4).
func (c *Client) SendMessage(ctx context.Context, roomID int, body string) (map[string]any, error) {
	if err := c.checkFrameBudget(ctx); err != nil {
		return nil, err
	}
	f, err := c.socket.SocketRequest(ctx, "room.message.created", map[string]any{
		"roomId": roomID,
		"body":   body,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("wireclient: send message: %w", err)
	}
	return f.Contents, nil
}

// Typing sends a typing-state change and awaits the server's echo: a
// room.typing frame carrying the same {userId=self, roomId, isTyping}.
// The echo is matched by contents, not nonce — the server re-broadcasts
// the event rather than replying to the request frame.
func (c *Client) Typing(ctx context.Context, roomID int, isTyping bool) error {
	if err := c.checkFrameBudget(ctx); err != nil {
		return err
	}
	// Inbound contents come off json.Unmarshal, so numbers are float64.
	_, err := c.socket.SendFrameAwaiting(ctx, "room.typing", map[string]any{
		"roomId":   roomID,
		"isTyping": isTyping,
	}, frame.Filter{
		Type: "room.typing",
		Contents: map[string]any{
			"userId":   float64(c.account.ID),
			"roomId":   float64(roomID),
			"isTyping": isTyping,
		},
	}, 0)
	if err != nil {
		return fmt.Errorf("wireclient: typing echo: %w", err)
	}
	return nil
}

// ActivateRoom marks a room active as-of now and returns the
// server-confirmed activeAt contents.
func (c *Client) ActivateRoom(ctx context.Context, roomID int) (map[string]any, error) {
	if err := c.checkFrameBudget(ctx); err != nil {
		return nil, err
	}
	// The confirmation is a frame of the same type whose contents echo
	// the original date back as activeAt.
	now := time.Now().UTC().Format(time.RFC3339)
	f, err := c.socket.SendFrameAwaiting(ctx, "room.user.active", map[string]any{
		"roomId": roomID,
		"date":   now,
	}, frame.Filter{
		Type: "room.user.active",
		Contents: map[string]any{
			"roomId":   float64(roomID),
			"activeAt": now,
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("wireclient: activate room confirmation: %w", err)
	}
	return f.Contents, nil
}

// UpdateStatus is fire-and-forget: the server only replies on an actual
// change, so this does not await a response.
func (c *Client) UpdateStatus(ctx context.Context, status string) error {
	if status != "idle" && status != "active" {
		return fmt.Errorf("wireclient: invalid status %q, must be idle or active", status)
	}
	if err := c.checkFrameBudget(ctx); err != nil {
		return err
	}
	if err := c.socket.SendEvent("user.modified.status", map[string]any{"status": status}); err != nil {
		return fmt.Errorf("wireclient: update status: %w", err)
	}
	return nil
}

// UnseenCounts is the decoded {important, total} response to
// unseen.counts.request.
type UnseenCounts struct {
	Important UnseenBucket
	Total     UnseenBucket
}

// UnseenBucket is one {rooms, conversations} count pair; Conversations
// may be unset depending on the server response.
type UnseenBucket struct {
	Rooms         int
	Conversations *int
}

// GetUnseenCounts requests and decomposes the unseen-count summary.
func (c *Client) GetUnseenCounts(ctx context.Context) (UnseenCounts, error) {
	if err := c.checkFrameBudget(ctx); err != nil {
		return UnseenCounts{}, err
	}
	f, err := c.socket.SocketRequest(ctx, "unseen.counts.request", nil, 0)
	if err != nil {
		return UnseenCounts{}, fmt.Errorf("wireclient: unseen counts: %w", err)
	}
	return decodeUnseenCounts(f.Contents), nil
}

func decodeUnseenCounts(contents map[string]any) UnseenCounts {
	var out UnseenCounts
	out.Important = decodeUnseenBucket(contents["important"])
	out.Total = decodeUnseenBucket(contents["total"])
	return out
}

func decodeUnseenBucket(raw any) UnseenBucket {
	m, ok := raw.(map[string]any)
	if !ok {
		return UnseenBucket{}
	}
	b := UnseenBucket{Rooms: asInt(m["rooms"])}
	if v, ok := m["conversations"]; ok && v != nil {
		n := asInt(v)
		b.Conversations = &n
	}
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// ClearRoomHistory is only legal for pair rooms: it resolves the
// "before" message (the most recent one, when beforeMessageID is nil)
// and persists messageIdHistoryStartsAfter via user-settings.
func (c *Client) ClearRoomHistory(ctx context.Context, roomID int, isPairRoom bool, beforeMessageID *int) error {
	if !isPairRoom {
		return fmt.Errorf("wireclient: clear room history is only legal for pair rooms")
	}
	if err := c.checkHTTPBudget(ctx); err != nil {
		return err
	}

	cutoff := beforeMessageID
	if cutoff == nil {
		messages, err := c.GetRoomMessages(ctx, roomID, httptransport.PageOptions{})
		if err != nil {
			return fmt.Errorf("wireclient: resolving most recent message: %w", err)
		}
		if len(messages.Items) == 0 {
			return nil
		}
		top, _ := messages.Items[len(messages.Items)-1].(map[string]any)
		id := asInt(top["id"])
		cutoff = &id
	}

	_, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/v2/conversations/%d/user-settings.json", roomID), httptransport.Options{
		Method: "PUT",
		Body: map[string]any{
			"userSettings": map[string]any{
				"messageIdHistoryStartsAfter": *cutoff,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("wireclient: clear room history: %w", err)
	}
	return nil
}

// Impersonate switches the session's token to act as the given person,
// atomically rotating the shared tw-auth token so no in-flight request
// ever observes a half-rotated value.
func (c *Client) Impersonate(ctx context.Context, personID int) (string, error) {
	return c.rotateToken(ctx, fmt.Sprintf("/people/%d/impersonate.json", personID))
}

// Unimpersonate reverts a prior Impersonate.
func (c *Client) Unimpersonate(ctx context.Context) (string, error) {
	return c.rotateToken(ctx, "/people/impersonate/revert.json")
}

func (c *Client) rotateToken(ctx context.Context, path string) (string, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return "", err
	}
	_, resp, err := c.transport.Request(ctx, path, httptransport.Options{Method: "PUT", Raw: true})
	if err != nil {
		return "", fmt.Errorf("wireclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httptransport.HttpError{Status: resp.StatusCode, StatusText: resp.Status}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "tw-auth" {
			c.token.Set(cookie.Value)
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("wireclient: %s: no tw-auth cookie in response", path)
}

// GetPersonByHandle searches for an exact handle match since the server
// offers no direct by-handle endpoint (spec.md §4.4).
func (c *Client) GetPersonByHandle(ctx context.Context, handle string) (map[string]any, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	result, err := c.transport.RequestList(ctx, "/chat/v3/people.json", "people", httptransport.PageOptions{}, httptransport.Options{
		Query: map[string]any{"filter": map[string]any{"searchTerm": handle}},
	})
	if err != nil {
		return nil, fmt.Errorf("wireclient: search person by handle: %w", err)
	}
	for _, item := range result.Items {
		person, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if asString(person["handle"]) == handle {
			return person, nil
		}
	}
	return nil, ErrNotFound
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// ListFilter is the common filter shape for the paginated list helpers
// (spec.md §4.4); which fields a given endpoint honors, and under what
// query key, varies — see each query-building method below.
type ListFilter struct {
	Since           *time.Time
	Status          string
	Search          string
	IncludeMessages bool
	IncludeUsers    bool
	Sort            string
	Page            httptransport.PageOptions
}

// peopleQuery serializes the subset GET /chat/v3/people.json accepts:
// filter[updatedAfter] and filter[searchTerm] (spec.md §6).
func (f ListFilter) peopleQuery() map[string]any {
	filter := map[string]any{}
	if f.Since != nil {
		filter["updatedAfter"] = f.Since.UTC().Format(time.RFC3339)
	}
	if f.Search != "" {
		filter["searchTerm"] = f.Search
	}
	if len(filter) == 0 {
		return nil
	}
	return map[string]any{"filter": filter}
}

// conversationQuery serializes the subset GET /chat/v3/conversations.json
// accepts: filter[status], filter[activityAfter], filter[searchTerm],
// sort, includeUserData, includeMessageData (spec.md §6).
func (f ListFilter) conversationQuery() map[string]any {
	filter := map[string]any{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Since != nil {
		filter["activityAfter"] = f.Since.UTC().Format(time.RFC3339)
	}
	if f.Search != "" {
		filter["searchTerm"] = f.Search
	}

	sort := f.Sort
	if sort == "" {
		sort = "lastActivityAt"
	}
	q := map[string]any{"sort": sort}
	if len(filter) > 0 {
		q["filter"] = filter
	}
	if f.IncludeUsers {
		q["includeUserData"] = true
	}
	if f.IncludeMessages {
		q["includeMessageData"] = true
	}
	return q
}

// query serializes the flat shape GET /chat/v2/messages.json accepts
// (spec.md §6): createdAfter, with paging injected separately by
// RequestList.
func (f ListFilter) query() map[string]any {
	q := map[string]any{}
	if f.Since != nil {
		q["createdAfter"] = f.Since.UTC().Format(time.RFC3339)
	}
	return q
}

// GetRooms lists conversations matching filter.
func (c *Client) GetRooms(ctx context.Context, filter ListFilter) (*httptransport.ListResult, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	return c.transport.RequestList(ctx, "/chat/v3/conversations.json", "conversations", filter.Page, httptransport.Options{Query: filter.conversationQuery()})
}

// GetPeople lists people matching filter.
func (c *Client) GetPeople(ctx context.Context, filter ListFilter) (*httptransport.ListResult, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	return c.transport.RequestList(ctx, "/chat/v3/people.json", "people", filter.Page, httptransport.Options{Query: filter.peopleQuery()})
}

// GetUserMessages lists the current user's messages matching filter.
func (c *Client) GetUserMessages(ctx context.Context, filter ListFilter) (*httptransport.ListResult, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	return c.transport.RequestList(ctx, "/chat/v2/messages.json", "messages", filter.Page, httptransport.Options{Query: filter.query()})
}

// GetRoomMessages lists one room's messages.
func (c *Client) GetRoomMessages(ctx context.Context, roomID int, page httptransport.PageOptions) (*httptransport.ListResult, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	return c.transport.RequestList(ctx, fmt.Sprintf("/chat/v2/rooms/%d/messages.json", roomID), "messages", page, httptransport.Options{})
}

// GetRoom fetches a single room by id.
func (c *Client) GetRoom(ctx context.Context, roomID int) (map[string]any, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	decoded, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/v2/rooms/%d.json", roomID), httptransport.Options{
		Query: map[string]any{"includeUserData": true},
	})
	if err != nil {
		return nil, fmt.Errorf("wireclient: get room: %w", err)
	}
	top, _ := decoded.(map[string]any)
	if room, ok := top["room"].(map[string]any); ok {
		return room, nil
	}
	return top, nil
}

// GetPerson fetches a single person by id.
func (c *Client) GetPerson(ctx context.Context, personID int) (map[string]any, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	decoded, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/people/%d.json", personID), httptransport.Options{})
	if err != nil {
		return nil, fmt.Errorf("wireclient: get person: %w", err)
	}
	top, _ := decoded.(map[string]any)
	if person, ok := top["person"].(map[string]any); ok {
		return person, nil
	}
	return top, nil
}

// UpdatePerson applies fields to a person's profile (spec.md §6's
// `PUT /chat/people/<id>.json` body `{person:{…}}`).
func (c *Client) UpdatePerson(ctx context.Context, personID int, fields map[string]any) (map[string]any, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	decoded, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/people/%d.json", personID), httptransport.Options{
		Method: "PUT",
		Body:   map[string]any{"person": fields},
	})
	if err != nil {
		return nil, fmt.Errorf("wireclient: update person: %w", err)
	}
	top, _ := decoded.(map[string]any)
	if person, ok := top["person"].(map[string]any); ok {
		return person, nil
	}
	return top, nil
}

// CreateRoomWithHandles POSTs a brand-new room with an initial message
// (spec.md §4.6's uninitialized-Room realization path).
func (c *Client) CreateRoomWithHandles(ctx context.Context, handles []string, message string) (map[string]any, error) {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return nil, err
	}
	decoded, _, err := c.transport.Request(ctx, "/chat/v2/rooms.json", httptransport.Options{
		Method: "POST",
		Body: map[string]any{
			"room": map[string]any{
				"handles": handles,
				"message": map[string]any{"body": message},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wireclient: create room: %w", err)
	}
	top, _ := decoded.(map[string]any)
	if room, ok := top["room"].(map[string]any); ok {
		return room, nil
	}
	return top, nil
}

// UpdateRoomTitle renames a room.
func (c *Client) UpdateRoomTitle(ctx context.Context, roomID int, title string) error {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return err
	}
	_, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/v2/conversations/%d.json", roomID), httptransport.Options{
		Method: "PUT",
		Body:   map[string]any{"conversation": map[string]any{"title": title}},
	})
	if err != nil {
		return fmt.Errorf("wireclient: update room title: %w", err)
	}
	return nil
}

// DeleteRoom deletes a room.
func (c *Client) DeleteRoom(ctx context.Context, roomID int) error {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return err
	}
	_, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/rooms/%d.json", roomID), httptransport.Options{Method: "DELETE"})
	if err != nil {
		return fmt.Errorf("wireclient: delete room: %w", err)
	}
	return nil
}

// DeleteMessages marks a set of messages in a room redacted.
func (c *Client) DeleteMessages(ctx context.Context, roomID int, messageIDs []int) error {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return err
	}
	_, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/rooms/%d/messages.json", roomID), httptransport.Options{
		Method: "DELETE",
		Body:   map[string]any{"ids": messageIDs},
	})
	if err != nil {
		return fmt.Errorf("wireclient: delete messages: %w", err)
	}
	return nil
}

// UndeleteMessages restores a set of previously redacted messages in a
// room (spec.md §6's `PUT /chat/rooms/<id>/messages.json` body
// `{messages:[{id, status:"active"}, …]}`).
func (c *Client) UndeleteMessages(ctx context.Context, roomID int, messageIDs []int) error {
	if err := c.checkHTTPBudget(ctx); err != nil {
		return err
	}
	messages := make([]map[string]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		messages = append(messages, map[string]any{"id": id, "status": "active"})
	}
	_, _, err := c.transport.Request(ctx, fmt.Sprintf("/chat/rooms/%d/messages.json", roomID), httptransport.Options{
		Method: "PUT",
		Body:   map[string]any{"messages": messages},
	})
	if err != nil {
		return fmt.Errorf("wireclient: undelete messages: %w", err)
	}
	return nil
}
