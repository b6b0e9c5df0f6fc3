package entitycache

import "github.com/nullhq/teamchat-go/internal/v1/frame"

func testMessageFrame(roomID, msgID int) frame.Frame {
	return frame.Frame{
		Name: "room.message.created",
		Contents: map[string]any{
			"id":     float64(msgID),
			"roomId": float64(roomID),
			"userId": float64(1),
			"body":   "hello",
		},
	}
}

func testUserModifiedFrame(userID int, key string, value any) frame.Frame {
	return frame.Frame{
		Name: "user.modified",
		Contents: map[string]any{
			"userId": float64(userID),
			"key":    key,
			"value":  value,
		},
	}
}
