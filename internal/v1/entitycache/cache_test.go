package entitycache

import (
	"context"
	"testing"

	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	c := New(1, nil, nil)
	c.SavePerson(map[string]any{"id": float64(1), "handle": "self"})
	return c
}

func TestSavePerson_IdentityPreservation(t *testing.T) {
	c := newTestCache()

	p1, isNew := c.SavePerson(map[string]any{"id": float64(2), "handle": "peter", "status": "away"})
	require.True(t, isNew)

	p2, isNew2 := c.SavePerson(map[string]any{"id": float64(2), "handle": "peter", "status": "online"})
	require.False(t, isNew2)

	assert.Same(t, p1, p2)
	assert.Equal(t, Status("online"), p1.Status)

	byHandle1 := c.PersonByHandle("peter")
	byHandle2 := c.PersonByHandle("peter")
	assert.Same(t, byHandle1, byHandle2)
	assert.Same(t, p1, byHandle1)
}

func TestSaveRoom_PairAliasing(t *testing.T) {
	c := newTestCache()
	peter, _ := c.SavePerson(map[string]any{"id": float64(2), "handle": "peter"})
	require.NotNil(t, peter.PairRoom)
	require.Nil(t, peter.PairRoom.ID)

	room, isNew, _, _ := c.SaveRoom(map[string]any{
		"id":   float64(5),
		"type": "pair",
		"people": []any{
			map[string]any{"id": float64(1), "handle": "self"},
			map[string]any{"id": float64(2), "handle": "peter"},
		},
	})
	require.False(t, isNew, "aliasing must not report a new distinct room")
	assert.Same(t, peter.PairRoom, room)
	assert.Equal(t, 5, room.IDValue())
	assert.Same(t, room, c.RoomByID(5))

	// Re-ingesting the identical payload must not create a second Room.
	room2, isNew2, _, _ := c.SaveRoom(map[string]any{
		"id":   float64(5),
		"type": "pair",
		"people": []any{
			map[string]any{"id": float64(1), "handle": "self"},
			map[string]any{"id": float64(2), "handle": "peter"},
		},
	})
	assert.False(t, isNew2)
	assert.Same(t, room, room2)
}

func TestSaveRoom_SelfPairDegenerateNotAliased(t *testing.T) {
	c := newTestCache()
	room, isNew, _, _ := c.SaveRoom(map[string]any{
		"id":   float64(9),
		"type": "pair",
		"people": []any{
			map[string]any{"id": float64(1), "handle": "self"},
			map[string]any{"id": float64(1), "handle": "self"},
		},
	})
	require.True(t, isNew)
	assert.Equal(t, 9, room.IDValue())
}

func TestRoom_MessageFIFOBound(t *testing.T) {
	c := newTestCache()
	room, _, _, _ := c.SaveRoom(map[string]any{"id": float64(1), "type": "private"})

	for i := 0; i < 60; i++ {
		c.ApplyFrame(context.Background(), testMessageFrame(1, i))
	}

	require.Len(t, room.Messages, 50)
	assert.Equal(t, 10, room.Messages[0].ID)
	assert.Equal(t, 59, room.Messages[len(room.Messages)-1].ID)
}

func TestPerson_IsMentioned(t *testing.T) {
	c := newTestCache()
	peter, _ := c.SavePerson(map[string]any{"id": float64(2), "handle": "peter"})

	m := &Message{AuthorID: 1, Content: "hey @peter check this out"}
	assert.True(t, peter.IsMentioned(m))

	selfAuthored := &Message{AuthorID: 2, Content: "hey @peter"}
	assert.False(t, peter.IsMentioned(selfAuthored))

	noMention := &Message{AuthorID: 1, Content: "peterson was here"}
	assert.False(t, peter.IsMentioned(noMention))
}

func TestApplyFrame_MessageCreatedEmitsMessageAndMention(t *testing.T) {
	c := newTestCache()
	c.SaveRoom(map[string]any{"id": float64(1), "type": "private"})

	var messages, received, mentions []Event
	c.Events.On(EventMessage, func(e Event) { messages = append(messages, e) })
	c.Events.On(EventMessageReceived, func(e Event) { received = append(received, e) })
	c.Events.On(EventMessageMention, func(e Event) { mentions = append(mentions, e) })

	c.ApplyFrame(context.Background(), frame.Frame{
		Name: "room.message.created",
		Contents: map[string]any{
			"id":        float64(52),
			"body":      "howya lad @self",
			"roomId":    float64(1),
			"userId":    float64(2),
			"createdAt": "2017-01-29T18:06:34.640Z",
		},
	})

	require.Len(t, messages, 1)
	m, ok := messages[0].Payload.(*Message)
	require.True(t, ok)
	assert.Equal(t, 52, m.ID)
	assert.Equal(t, "howya lad @self", m.Content)
	assert.Equal(t, 2017, m.CreatedAt.Year())
	assert.Len(t, received, 1, "not authored by self, so message:received fires")
	assert.Len(t, mentions, 1, "content mentions @self")
}

func TestApplyFrame_UnknownRoomIsAutofetched(t *testing.T) {
	fetched := 0
	c := New(1, func(ctx context.Context, id int) (map[string]any, error) {
		fetched++
		return map[string]any{"id": float64(id), "type": "private"}, nil
	}, nil)
	c.SavePerson(map[string]any{"id": float64(1), "handle": "self"})

	var newRooms, messages []Event
	c.Events.On(EventRoomNew, func(e Event) { newRooms = append(newRooms, e) })
	c.Events.On(EventMessage, func(e Event) { messages = append(messages, e) })

	c.ApplyFrame(context.Background(), testMessageFrame(9999, 1))

	assert.Equal(t, 1, fetched)
	require.Len(t, newRooms, 1)
	assert.Equal(t, 9999, c.RoomByID(9999).IDValue())
	assert.Len(t, messages, 1, "the message is delivered on the realized room")
}

func TestApplyFrame_MessagesDeletedAndUndone(t *testing.T) {
	c := newTestCache()
	room, _, _, _ := c.SaveRoom(map[string]any{"id": float64(1), "type": "private"})
	c.ApplyFrame(context.Background(), testMessageFrame(1, 42))

	c.ApplyFrame(context.Background(), frame.Frame{
		Name:     "room.messages.deleted",
		Contents: map[string]any{"roomId": float64(1), "ids": []any{float64(42)}},
	})
	require.Len(t, room.Messages, 1)
	assert.Equal(t, MessageStatusRedacted, room.Messages[0].Status)

	c.ApplyFrame(context.Background(), frame.Frame{
		Name:     "room.messages.deleted-undone",
		Contents: map[string]any{"roomId": float64(1), "ids": []any{float64(42)}},
	})
	assert.Equal(t, MessageStatusActive, room.Messages[0].Status)
}

func TestApplyFrame_RoomDeletedRemovesAndEmits(t *testing.T) {
	c := newTestCache()
	c.SaveRoom(map[string]any{"id": float64(3), "type": "private"})

	var deleted []Event
	c.Events.On(EventRoomDeleted, func(e Event) { deleted = append(deleted, e) })

	c.ApplyFrame(context.Background(), frame.Frame{
		Name:     "room.deleted",
		Contents: map[string]any{"id": float64(3)},
	})

	assert.Len(t, deleted, 1)
	assert.Nil(t, c.RoomByID(3))
}

func TestApplyFrame_UserModifiedEmitsPersonUpdated(t *testing.T) {
	c := newTestCache()
	peter, _ := c.SavePerson(map[string]any{"id": float64(2), "handle": "peter", "status": "away"})

	var seen []Event
	c.Events.On(EventPersonUpdated, func(e Event) { seen = append(seen, e) })

	c.ApplyFrame(context.Background(), testUserModifiedFrame(2, "status", "online"))

	require.Len(t, seen, 1)
	assert.Equal(t, "online", string(peter.Status))
}
