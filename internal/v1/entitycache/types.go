// Package entitycache holds the live, event-driven in-memory model of
// People, Rooms and Messages. It is the single source of identity for
// these entities: every mutation goes through SavePerson/SaveRoom so
// that external callers holding a *Person or *Room reference never see
// it silently replaced by a different pointer.
package entitycache

import "time"

// Status is a Person's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
)

// RoomType classifies a Room's membership shape.
type RoomType string

const (
	RoomTypePair    RoomType = "pair"
	RoomTypePrivate RoomType = "private"
	RoomTypeCompany RoomType = "company"
)

// MessageStatus tracks whether a Message is visible or has been redacted.
type MessageStatus string

const (
	MessageStatusActive   MessageStatus = "active"
	MessageStatusRedacted MessageStatus = "redacted"
)

// roomMessageLimit is the bounded FIFO retention per room (spec.md §3,
// invariant 6 in §8): the oldest message is evicted once a room holds
// more than this many.
const roomMessageLimit = 50

// Person is one directory entry: a teammate known to this session,
// created lazily the first time it is observed over push or pull.
type Person struct {
	ID             int
	Handle         string
	FirstName      string
	LastName       string
	Email          string
	Title          string
	Company        string
	Status         Status
	LastActivityAt *time.Time

	// PairRoom is the canonical pair room containing this Person and the
	// current user, if one has ever been observed. Weak back-reference
	// for navigation only; Room ownership of its People slice is the
	// forward edge.
	PairRoom *Room
}

// FullName joins FirstName and LastName, trimming if one is absent.
func (p *Person) FullName() string {
	if p == nil {
		return ""
	}
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}

// IsMentioned reports whether m's content references this Person's
// handle as a standalone @-mention and this Person did not author the
// message (spec.md §8, invariant 7).
func (p *Person) IsMentioned(m *Message) bool {
	if p == nil || m == nil || p.Handle == "" {
		return false
	}
	if m.AuthorID == p.ID {
		return false
	}
	return containsMention(m.Content, p.Handle)
}

// Room is a conversation: a pair, a private group, or a company-wide
// room. A Room with a nil ID has never been created server-side; it
// exists only so a handle-addressed message can be composed before the
// first send realizes it (spec.md §3 "Initialized").
type Room struct {
	ID                   *int
	Type                 RoomType
	Title                *string
	Status               string
	CreatorID            int
	CreatedAt            *time.Time
	UpdatedAt            *time.Time
	LastActivityAt       *time.Time
	LastViewedAt         *time.Time
	People               []*Person
	Messages             []*Message
	UnreadCount          int
	ImportantUnreadCount int
}

// Initialized reports whether the room has a server-assigned id.
func (r *Room) Initialized() bool {
	return r != nil && r.ID != nil
}

// IDValue returns the room's id, or 0 if uninitialized.
func (r *Room) IDValue() int {
	if r == nil || r.ID == nil {
		return 0
	}
	return *r.ID
}

// PersonByID returns the room participant with the given id, or nil.
func (r *Room) PersonByID(id int) *Person {
	for _, p := range r.People {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// appendMessage inserts m in arrival order and trims the FIFO to
// roomMessageLimit, evicting the oldest.
func (r *Room) appendMessage(m *Message) {
	r.Messages = append(r.Messages, m)
	if len(r.Messages) > roomMessageLimit {
		r.Messages = r.Messages[len(r.Messages)-roomMessageLimit:]
	}
}

// messageByID returns the message with the given id, or nil.
func (r *Room) messageByID(id int) *Message {
	for _, m := range r.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Message is one chat message, ordered by CreatedAt within its Room.
type Message struct {
	ID              int
	RoomID          int
	AuthorID        int
	Author          *Person // resolved reference when the author is cached
	Content         string
	CreatedAt       time.Time
	EditedAt        *time.Time
	Status          MessageStatus
	File            any
	ThirdPartyCards any
	IsUserActive    bool

	// Room is a weak back-reference for navigation.
	Room *Room
}

func containsMention(content, handle string) bool {
	needle := "@" + handle
	for i := 0; i+len(needle) <= len(content); i++ {
		if content[i:i+len(needle)] != needle {
			continue
		}
		before := byte(' ')
		if i > 0 {
			before = content[i-1]
		}
		after := byte(' ')
		if i+len(needle) < len(content) {
			after = content[i+len(needle)]
		}
		if isWordByte(before) || isWordByte(after) {
			continue
		}
		return true
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}
