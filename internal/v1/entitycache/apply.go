package entitycache

import (
	"context"

	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"go.uber.org/zap"
)

// ApplyFrame is the frame → action table of spec.md §4.5: every inbound
// push frame is applied here, mutating the cache and fanning out the
// semantic events the Session Orchestrator re-exposes. RoomFetcher/
// PersonFetcher are used to realize entities referenced by id but not
// yet cached (the unknown-room autofetch of spec.md S3).
func (c *Cache) ApplyFrame(ctx context.Context, f frame.Frame) {
	switch f.Name {
	case "room.message.created":
		c.applyMessageCreated(ctx, f.Contents)
	case "room.message.updated":
		c.applyMessageUpdated(f.Contents)
	case "room.messages.deleted":
		c.applyMessagesDeleted(f.Contents, MessageStatusRedacted)
	case "room.messages.deleted-undone":
		c.applyMessagesDeleted(f.Contents, MessageStatusActive)
	case "room.updated":
		c.applyRoomUpdated(ctx, f.Contents)
	case "room.deleted":
		c.applyRoomDeleted(f.Contents)
	case "room.typing":
		c.applyRoomTyping(f.Contents)
	case "room.user.active":
		// Handled by the RPC awaiter (ActivateRoom's SendFrameAwaiting
		// matches the echoed frame by contents); nothing further for the
		// cache to mutate.
	case "user.modified":
		c.applyUserModified(f.Contents)
	case "user.added":
		c.applyUserAdded(ctx, f.Contents)
	case "user.updated":
		c.applyUserUpdated(ctx, f.Contents)
	case "user.deleted":
		c.applyUserDeleted(f.Contents)
	case "company.added", "company.updated", "company.deleted":
		// Out of scope for the core per spec.md §4.5: observed, not
		// mutated into any cache structure.
	case "pong":
		c.Events.Emit(Event{Type: EventPong, Payload: f.Contents})
	case "unseen.counts.updated":
		// Resolved by the socketRequest awaiter via nonce match; no
		// cache-side state to update.
	default:
		logging.Debug(ctx, "ignoring unknown frame", zap.String("name", f.Name))
	}
}

func (c *Cache) resolveRoom(ctx context.Context, id int) *Room {
	if r := c.RoomByID(id); r != nil {
		return r
	}
	if c.fetchRoom == nil {
		logging.Warn(ctx, "unknown room referenced and no fetcher configured", zap.Int("room_id", id))
		return nil
	}
	raw, err := c.fetchRoom(ctx, id)
	if err != nil {
		logging.Error(ctx, "failed to autofetch unknown room", zap.Int("room_id", id), zap.Error(err))
		return nil
	}
	room, isNew, _, _ := c.SaveRoom(raw)
	if isNew {
		c.Events.Emit(Event{Type: EventRoomNew, Payload: room})
	}
	return room
}

func (c *Cache) applyMessageCreated(ctx context.Context, contents map[string]any) {
	roomID := asInt(contents["roomId"])
	room := c.resolveRoom(ctx, roomID)
	if room == nil {
		return
	}

	authorID := asInt(contents["userId"])
	m := &Message{
		ID:              asInt(contents["id"]),
		RoomID:          roomID,
		AuthorID:        authorID,
		Author:          c.PersonByID(authorID),
		Content:         asString(contents["body"]),
		Status:          MessageStatusActive,
		IsUserActive:    asBool(contents["isUserActive"]),
		File:            contents["file"],
		ThirdPartyCards: contents["thirdPartyCards"],
		Room:            room,
	}
	if t := asTime(contents["createdAt"]); t != nil {
		m.CreatedAt = *t
	}

	c.mu.Lock()
	room.appendMessage(m)
	c.mu.Unlock()

	metrics.FramesTotal.WithLabelValues("applied", "room.message.created").Inc()

	c.Events.Emit(Event{Type: EventMessage, Payload: m})
	if authorID != c.currentUserID {
		c.Events.Emit(Event{Type: EventMessageReceived, Payload: m})
	}
	if room.Type == RoomTypePair {
		c.Events.Emit(Event{Type: EventMessageDirect, Payload: m})
	}
	if self := c.PersonByID(c.currentUserID); self != nil && self.IsMentioned(m) {
		c.Events.Emit(Event{Type: EventMessageMention, Payload: m})
	}
}

func (c *Cache) applyMessageUpdated(contents map[string]any) {
	roomID := asInt(contents["roomId"])
	room := c.RoomByID(roomID)
	if room == nil {
		return
	}
	c.mu.Lock()
	m := room.messageByID(asInt(contents["id"]))
	if m != nil {
		if v, ok := contents["body"]; ok {
			m.Content = asString(v)
		}
		m.EditedAt = asTime(contents["editedAt"])
	}
	c.mu.Unlock()
}

func (c *Cache) applyMessagesDeleted(contents map[string]any, status MessageStatus) {
	roomID := asInt(contents["roomId"])
	room := c.RoomByID(roomID)
	if room == nil {
		return
	}
	ids, _ := contents["ids"].([]any)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idVal := range ids {
		if m := room.messageByID(asInt(idVal)); m != nil {
			m.Status = status
		}
	}
}

func (c *Cache) applyRoomUpdated(ctx context.Context, contents map[string]any) {
	roomID := asInt(contents["roomId"])
	if c.fetchRoom == nil {
		return
	}
	raw, err := c.fetchRoom(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to refresh updated room", zap.Int("room_id", roomID), zap.Error(err))
		return
	}
	room, isNew, added, removed := c.SaveRoom(raw)
	if isNew {
		c.Events.Emit(Event{Type: EventRoomNew, Payload: room})
		return
	}
	c.Events.Emit(Event{Type: EventRoomUpdated, Payload: room})
	for _, p := range added {
		c.Events.Emit(Event{Type: EventRoomPersonAdded, Payload: struct {
			Room   *Room
			Person *Person
		}{room, p}})
	}
	for _, p := range removed {
		c.Events.Emit(Event{Type: EventRoomPersonRemoved, Payload: struct {
			Room   *Room
			Person *Person
		}{room, p}})
	}
}

func (c *Cache) applyRoomDeleted(contents map[string]any) {
	id := asInt(contents["id"])
	if id == 0 {
		id = asInt(contents["roomId"])
	}
	room := c.DeleteRoom(id)
	if room != nil {
		c.Events.Emit(Event{Type: EventRoomDeleted, Payload: room})
	}
}

func (c *Cache) applyRoomTyping(contents map[string]any) {
	roomID := asInt(contents["roomId"])
	room := c.RoomByID(roomID)
	if room == nil {
		return
	}
	c.Events.Emit(Event{Type: EventRoomTyping, Payload: struct {
		Room     *Room
		UserID   int
		IsTyping bool
	}{room, asInt(contents["userId"]), asBool(contents["isTyping"])}})
}

func (c *Cache) applyUserModified(contents map[string]any) {
	personID := asInt(contents["userId"])
	key := asString(contents["key"])
	value := contents["value"]
	p, changed := c.SetPersonField(personID, key, value)
	if p == nil {
		return
	}
	c.Events.Emit(Event{Type: EventUserUpdate, Payload: p})
	if changed {
		c.Events.Emit(Event{Type: EventPersonUpdated, Payload: p})
	}
}

func (c *Cache) applyUserAdded(ctx context.Context, contents map[string]any) {
	id := asInt(contents["id"])
	if id == 0 {
		id = asInt(contents["userId"])
	}
	raw := contents
	if c.fetchPerson != nil {
		if fetched, err := c.fetchPerson(ctx, id); err == nil {
			raw = fetched
		} else {
			logging.Error(ctx, "failed to fetch added person", zap.Int("person_id", id), zap.Error(err))
		}
	}
	p, isNew := c.SavePerson(raw)
	if isNew {
		c.Events.Emit(Event{Type: EventPersonCreated, Payload: p})
		c.Events.Emit(Event{Type: EventPersonNew, Payload: p})
	}
}

func (c *Cache) applyUserUpdated(ctx context.Context, contents map[string]any) {
	id := asInt(contents["id"])
	if id == 0 {
		id = asInt(contents["userId"])
	}
	raw := contents
	if c.fetchPerson != nil {
		if fetched, err := c.fetchPerson(ctx, id); err == nil {
			raw = fetched
		} else {
			logging.Error(ctx, "failed to fetch updated person", zap.Int("person_id", id), zap.Error(err))
		}
	}
	p, _ := c.SavePerson(raw)
	c.Events.Emit(Event{Type: EventPersonUpdated, Payload: p})
}

func (c *Cache) applyUserDeleted(contents map[string]any) {
	id := asInt(contents["id"])
	if id == 0 {
		id = asInt(contents["userId"])
	}
	p := c.DeletePerson(id)
	if p != nil {
		c.Events.Emit(Event{Type: EventPersonDeleted, Payload: p})
		c.Events.Emit(Event{Type: EventPersonRemoved, Payload: p})
	}
}
