// Package sessioncache persists the SessionCacheRecord shape from
// spec.md §6 (the optional serialized session cache): {installation,
// tw-auth, people, rooms}. This is not general persistent storage
// (explicitly a Non-goal) — it caches exactly enough to let a restarted
// process skip a fresh username/password login and round-trip the
// directory, via a file, in-memory, or Redis-backed Store.
package sessioncache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Store.Load when no record exists for the
// given key. Not an error condition for callers that treat a miss as
// "do a fresh login" (spec.md §7).
var ErrCacheMiss = errors.New("sessioncache: no record found")

// PersonSnapshot is the minimal Person projection persisted to disk.
type PersonSnapshot struct {
	ID     int    `json:"id"`
	Handle string `json:"handle"`
	Status string `json:"status"`
}

// RoomSnapshot is the minimal Room projection persisted to disk.
type RoomSnapshot struct {
	ID    int    `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// Record is the persisted-state layout of spec.md §6, formalized as a
// Go value. Produced by pkg/chatclient.Session.Snapshot(), consumed by
// a Store. The core treats this as its own opaque shape; storage
// location/mechanism belongs entirely to the Store implementation.
type Record struct {
	UserID       int              `json:"userId"`
	Installation string           `json:"installation"`
	TwAuth       string           `json:"twAuth"`
	Rooms        []RoomSnapshot   `json:"rooms"`
	People       []PersonSnapshot `json:"people"`
	SavedAt      time.Time        `json:"savedAt"`
}

// Store persists and retrieves Records, keyed by user id.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, userID int) (Record, error)
	Delete(ctx context.Context, userID int) error
}
