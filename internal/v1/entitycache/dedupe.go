package entitycache

import "github.com/nullhq/teamchat-go/internal/v1/metrics"

// SavePerson applies raw (a decoded `user`/`person` JSON object) to the
// cache: if a Person with that id already exists it is updated in
// place (never replacing the pointer — external holders must keep
// seeing the same object); otherwise a new Person is created, inserted
// into the global directory, and given a fresh (uninitialized) pair
// room. Returns the Person and whether it was newly created.
func (c *Cache) SavePerson(raw map[string]any) (*Person, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, isNew := c.savePersonLocked(raw)
	metrics.CachedPeople.Set(float64(len(c.people)))
	return p, isNew
}

func (c *Cache) savePersonLocked(raw map[string]any) (*Person, bool) {
	id := asInt(raw["id"])
	if p, ok := c.people[id]; ok {
		c.updatePersonFieldsLocked(p, raw)
		return p, false
	}

	p := &Person{ID: id}
	c.updatePersonFieldsLocked(p, raw)
	c.people[id] = p
	if p.Handle != "" {
		c.peopleByHandle[p.Handle] = p
	}

	if id != c.currentUserID {
		pairRoom := &Room{Type: RoomTypePair}
		if self, ok := c.people[c.currentUserID]; ok && self != nil {
			pairRoom.People = []*Person{self, p}
		} else {
			pairRoom.People = []*Person{p}
		}
		p.PairRoom = pairRoom
	}
	return p, true
}

// updatePersonFieldsLocked merges whichever keys are present in raw;
// keys absent from raw leave the existing field untouched, so a
// partial payload (e.g. a single user.modified key/value) never blanks
// out the rest of the Person.
func (c *Cache) updatePersonFieldsLocked(p *Person, raw map[string]any) {
	oldHandle := p.Handle

	if v, ok := raw["handle"]; ok {
		p.Handle = asString(v)
	}
	if v, ok := raw["firstName"]; ok {
		p.FirstName = asString(v)
	}
	if v, ok := raw["lastName"]; ok {
		p.LastName = asString(v)
	}
	if v, ok := raw["email"]; ok {
		p.Email = asString(v)
	}
	if v, ok := raw["title"]; ok {
		p.Title = asString(v)
	}
	if v, ok := raw["company"]; ok {
		p.Company = asString(v)
	}
	if v, ok := raw["status"]; ok {
		p.Status = Status(asString(v))
	}
	if v, ok := raw["lastActivityAt"]; ok {
		p.LastActivityAt = asTime(v)
	}

	if p.Handle != oldHandle {
		if oldHandle != "" {
			delete(c.peopleByHandle, oldHandle)
		}
		if p.Handle != "" {
			c.peopleByHandle[p.Handle] = p
		}
	}
}

// SetPersonField applies a single key/value pair to a cached Person
// (user.modified's {key, value} shape) and reports whether anything
// changed (so callers only emit person:updated on an actual change).
func (c *Cache) SetPersonField(personID int, key string, value any) (*Person, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.people[personID]
	if !ok {
		return nil, false
	}
	before := *p
	c.updatePersonFieldsLocked(p, map[string]any{key: value})
	return p, *p != before
}

// SaveRoom applies raw (a decoded `room`/`conversation` JSON object) to
// the cache, implementing the de-duplication and pair-room aliasing
// rules of spec.md §4.5:
//
//   - an existing room (by id) is updated in place; its people list is
//     diffed against the new payload and the added/removed participants
//     returned so callers can emit room:person:added/removed.
//   - a brand-new room whose type is "pair" and whose participants are
//     exactly {current user, one other Person P} is not created as a
//     distinct Room: the payload is merged into P's existing PairRoom
//     (created when P was first cached) and that object is returned.
//   - a degenerate "room with self" (every participant is the current
//     user, however many times) is never aliased — it is just a normal
//     room, since it is not a valid pair.
func (c *Cache) SaveRoom(raw map[string]any) (room *Room, isNew bool, added, removed []*Person) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { metrics.CachedRooms.Set(float64(len(c.rooms))) }()

	idPtr := asIntPtr(raw["id"])
	if idPtr != nil {
		if existing, ok := c.rooms[*idPtr]; ok {
			added, removed = c.updateRoomFieldsLocked(existing, raw)
			return existing, false, added, removed
		}
	}

	participants := make([]*Person, 0)
	for _, personRaw := range asMapSlice(raw["people"]) {
		p, _ := c.savePersonLocked(personRaw)
		participants = append(participants, p)
	}

	roomType := RoomType(asString(raw["type"]))
	if alias := c.aliasTargetLocked(roomType, participants); alias != nil {
		c.mergeRoomFieldsLocked(alias, raw, participants)
		if idPtr != nil {
			alias.ID = idPtr
			c.rooms[*idPtr] = alias
		}
		return alias, false, nil, nil
	}

	r := &Room{}
	c.mergeRoomFieldsLocked(r, raw, participants)
	if idPtr != nil {
		r.ID = idPtr
		c.rooms[*idPtr] = r
	}
	return r, true, participants, nil
}

// aliasTargetLocked returns the pair-room to alias into, or nil if this
// payload does not describe a genuine pair with exactly one other
// person (including the "room with self" degenerate case, which is
// deliberately excluded per spec.md §4.5).
func (c *Cache) aliasTargetLocked(roomType RoomType, participants []*Person) *Room {
	if roomType != RoomTypePair {
		return nil
	}
	others := make([]*Person, 0, 1)
	sawSelf := false
	for _, p := range participants {
		if p.ID == c.currentUserID {
			sawSelf = true
			continue
		}
		others = append(others, p)
	}
	if !sawSelf || len(others) != 1 {
		return nil
	}
	return others[0].PairRoom
}

func (c *Cache) mergeRoomFieldsLocked(r *Room, raw map[string]any, participants []*Person) {
	if v, ok := raw["title"]; ok {
		r.Title = asStringPtr(v, ok)
	}
	if v, ok := raw["type"]; ok {
		r.Type = RoomType(asString(v))
	}
	if v, ok := raw["status"]; ok {
		r.Status = asString(v)
	}
	if v, ok := raw["creatorId"]; ok {
		r.CreatorID = asInt(v)
	}
	if v, ok := raw["createdAt"]; ok {
		r.CreatedAt = asTime(v)
	}
	if v, ok := raw["updatedAt"]; ok {
		r.UpdatedAt = asTime(v)
	}
	if v, ok := raw["lastActivityAt"]; ok {
		r.LastActivityAt = asTime(v)
	}
	if v, ok := raw["lastViewedAt"]; ok {
		r.LastViewedAt = asTime(v)
	}
	if v, ok := raw["unreadCount"]; ok {
		r.UnreadCount = asInt(v)
	}
	if v, ok := raw["importantUnreadCount"]; ok {
		r.ImportantUnreadCount = asInt(v)
	}
	if len(participants) > 0 {
		r.People = participants
	}
}

// updateRoomFieldsLocked merges raw into an existing room and diffs its
// people list by id, returning added/removed participants.
func (c *Cache) updateRoomFieldsLocked(r *Room, raw map[string]any) (added, removed []*Person) {
	before := make(map[int]*Person, len(r.People))
	for _, p := range r.People {
		before[p.ID] = p
	}

	var participants []*Person
	if rawPeople, ok := raw["people"]; ok {
		for _, personRaw := range asMapSlice(rawPeople) {
			p, _ := c.savePersonLocked(personRaw)
			participants = append(participants, p)
		}
	}

	c.mergeRoomFieldsLocked(r, raw, participants)

	if participants == nil {
		return nil, nil
	}
	after := make(map[int]*Person, len(participants))
	for _, p := range participants {
		after[p.ID] = p
		if _, existed := before[p.ID]; !existed {
			added = append(added, p)
		}
	}
	for id, p := range before {
		if _, stillThere := after[id]; !stillThere {
			removed = append(removed, p)
		}
	}
	return added, removed
}
