package chatclient

import (
	"context"
	"fmt"

	"github.com/nullhq/teamchat-go/internal/v1/entitycache"
	"github.com/nullhq/teamchat-go/internal/v1/httptransport"
)

// RoomOps binds a cached Room to the Session that owns it, exposing the
// domain operations spec.md §4.4/§4.6 define on a room: send, typing,
// activate, rename, delete, clear history, and message listing. Kept
// separate from entitycache.Room itself so the cache package never
// needs to import wireclient.
type RoomOps struct {
	Room    *entitycache.Room
	session *Session
}

// Ops returns a RoomOps bound to r (r may be nil).
func (s *Session) Ops(r *entitycache.Room) *RoomOps {
	return &RoomOps{Room: r, session: s}
}

// SendMessage sends body to the room, realizing it server-side first if
// it is still uninitialized.
func (ro *RoomOps) SendMessage(ctx context.Context, body string) (*entitycache.Message, error) {
	return ro.session.SendRoomMessage(ctx, ro.Room, body)
}

// Activate marks the room active as of now.
func (ro *RoomOps) Activate(ctx context.Context) error {
	if !ro.Room.Initialized() {
		return fmt.Errorf("chatclient: cannot activate an uninitialized room")
	}
	_, err := ro.session.wc.ActivateRoom(ctx, ro.Room.IDValue())
	return err
}

// Typing sends a typing-state change for the room.
func (ro *RoomOps) Typing(ctx context.Context, isTyping bool) error {
	if !ro.Room.Initialized() {
		return fmt.Errorf("chatclient: cannot send typing for an uninitialized room")
	}
	return ro.session.wc.Typing(ctx, ro.Room.IDValue(), isTyping)
}

// UpdateTitle renames the room.
func (ro *RoomOps) UpdateTitle(ctx context.Context, title string) error {
	if !ro.Room.Initialized() {
		return fmt.Errorf("chatclient: cannot rename an uninitialized room")
	}
	if err := ro.session.wc.UpdateRoomTitle(ctx, ro.Room.IDValue(), title); err != nil {
		return err
	}
	ro.Room.Title = &title
	return nil
}

// Delete deletes the room server-side and drops it from the cache.
func (ro *RoomOps) Delete(ctx context.Context) error {
	if !ro.Room.Initialized() {
		return fmt.Errorf("chatclient: cannot delete an uninitialized room")
	}
	if err := ro.session.wc.DeleteRoom(ctx, ro.Room.IDValue()); err != nil {
		return err
	}
	ro.session.cache.DeleteRoom(ro.Room.IDValue())
	return nil
}

// ClearHistory clears the room's message history up to (and including)
// the most recent message. Only legal for pair rooms (spec.md §4.4).
func (ro *RoomOps) ClearHistory(ctx context.Context) error {
	if !ro.Room.Initialized() {
		return fmt.Errorf("chatclient: cannot clear history of an uninitialized room")
	}
	return ro.session.wc.ClearRoomHistory(ctx, ro.Room.IDValue(), ro.Room.Type == entitycache.RoomTypePair, nil)
}

// GetMessages fetches the room's message history from the server.
func (ro *RoomOps) GetMessages(ctx context.Context) ([]*entitycache.Message, error) {
	if !ro.Room.Initialized() {
		return nil, nil
	}
	result, err := ro.session.wc.GetRoomMessages(ctx, ro.Room.IDValue(), httptransport.PageOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*entitycache.Message, 0, len(result.Items))
	for _, item := range result.Items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, decodeMessage(raw, ro.Room))
	}
	return out, nil
}

// PersonOps binds a cached Person to the Session that owns it, exposing
// the direct-message convenience spec.md's Person surface implies.
type PersonOps struct {
	Person  *entitycache.Person
	session *Session
}

// PersonOps returns a PersonOps bound to p (p may be nil).
func (s *Session) PersonOps(p *entitycache.Person) *PersonOps {
	return &PersonOps{Person: p, session: s}
}

// SendMessage sends body to this Person's pair room, creating it
// server-side on first use if necessary.
func (po *PersonOps) SendMessage(ctx context.Context, body string) (*entitycache.Message, error) {
	if po.Person.PairRoom == nil {
		return nil, fmt.Errorf("chatclient: person has no pair room")
	}
	return po.session.SendRoomMessage(ctx, po.Person.PairRoom, body)
}
