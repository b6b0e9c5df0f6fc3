package entitycache

import (
	"context"
	"sync"

	"github.com/nullhq/teamchat-go/internal/v1/metrics"
)

// RoomFetcher pulls a room payload from the server by id, used to
// realize a room first referenced by an inbound frame (spec.md §3,
// Room lifecycle point (c)).
type RoomFetcher func(ctx context.Context, id int) (map[string]any, error)

// PersonFetcher pulls a person payload from the server by id, used by
// user.added/user.updated handlers that must bypass the cache.
type PersonFetcher func(ctx context.Context, id int) (map[string]any, error)

// Cache is the single source of truth for Person and Room identity. All
// mutation goes through SavePerson/SaveRoom; readers take the read lock.
type Cache struct {
	mu sync.RWMutex

	currentUserID int
	people        map[int]*Person
	peopleByHandle map[string]*Person
	rooms         map[int]*Room

	fetchRoom   RoomFetcher
	fetchPerson PersonFetcher

	Events *Emitter
}

// New constructs an empty Cache for the given current-user id. Fetchers
// may be nil; ApplyFrame degrades to logging when a fetch is required
// but unavailable (see apply.go).
func New(currentUserID int, fetchRoom RoomFetcher, fetchPerson PersonFetcher) *Cache {
	return &Cache{
		currentUserID:  currentUserID,
		people:         make(map[int]*Person),
		peopleByHandle: make(map[string]*Person),
		rooms:          make(map[int]*Room),
		fetchRoom:      fetchRoom,
		fetchPerson:    fetchPerson,
		Events:         NewEmitter(),
	}
}

// CurrentUserID returns the id of the session's own user.
func (c *Cache) CurrentUserID() int {
	return c.currentUserID
}

// PersonByID returns the cached Person with id, or nil.
func (c *Cache) PersonByID(id int) *Person {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.people[id]
}

// PersonByHandle returns the cached Person with handle, or nil. Two
// calls with the same handle always return the same pointer (spec.md
// §8, invariant 4).
func (c *Cache) PersonByHandle(handle string) *Person {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peopleByHandle[handle]
}

// AllPeople returns a snapshot slice of every cached Person.
func (c *Cache) AllPeople() []*Person {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Person, 0, len(c.people))
	for _, p := range c.people {
		out = append(out, p)
	}
	return out
}

// RoomByID returns the cached Room with id, or nil.
func (c *Cache) RoomByID(id int) *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[id]
}

// RoomByTitle returns the first cached Room whose Title equals title.
func (c *Cache) RoomByTitle(title string) *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rooms {
		if r.Title != nil && *r.Title == title {
			return r
		}
	}
	return nil
}

// AllRooms returns a snapshot slice of every initialized, cached Room.
func (c *Cache) AllRooms() []*Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// DeletePerson removes a Person from the cache (user.deleted).
func (c *Cache) DeletePerson(id int) *Person {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.people[id]
	if !ok {
		return nil
	}
	delete(c.people, id)
	delete(c.peopleByHandle, p.Handle)
	metrics.CachedPeople.Set(float64(len(c.people)))
	return p
}

// DeleteRoom removes a Room from the cache (room.deleted).
func (c *Cache) DeleteRoom(id int) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[id]
	if !ok {
		return nil
	}
	delete(c.rooms, id)
	metrics.CachedRooms.Set(float64(len(c.rooms)))
	return r
}
