package chatclient

import (
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/entitycache"
)

// decodeMessage builds an entitycache.Message from a raw REST payload
// (as opposed to a frame, which entitycache.ApplyFrame handles itself).
// Used by the Room.SendMessage realization path and the session-wide
// message listings, where messages arrive over HTTP rather than the
// socket. room may be nil when the containing room is not cached; the
// roomId then comes from the payload itself.
func decodeMessage(raw map[string]any, room *entitycache.Room) *entitycache.Message {
	if raw == nil {
		return nil
	}
	roomID := room.IDValue()
	if roomID == 0 {
		roomID = asInt(raw["roomId"])
	}
	m := &entitycache.Message{
		ID:       asInt(raw["id"]),
		RoomID:   roomID,
		AuthorID: asInt(raw["userId"]),
		Content:  asString(raw["body"]),
		Status:   entitycache.MessageStatusActive,
		Room:     room,
	}
	if t := asTime(raw["createdAt"]); t != nil {
		m.CreatedAt = *t
	}
	return m
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

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
