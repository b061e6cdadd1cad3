package relay

// Room is a named, dynamically created group of client sessions. Rooms are
// owned by the Registry; every method on Room must be called with the
// registry's lock held so that membership transitions and the join replay
// are observed atomically.
type Room struct {
	Name string

	// Ordered so that replay and operator re-election are deterministic.
	members []*Client
	op      byte
}

func newRoom(name string) *Room {
	return &Room{Name: name}
}

// Operator returns the id of the member with kick authority.
func (r *Room) Operator() byte {
	return r.op
}

// Members returns a copy of the member list in join order.
func (r *Room) Members() []*Client {
	members := make([]*Client, len(r.members))
	copy(members, r.members)
	return members
}

// Empty reports whether the room has no members. The registry deletes empty
// rooms immediately, so this is only ever true mid-transition.
func (r *Room) Empty() bool {
	return len(r.members) == 0
}

func (r *Room) contains(c *Client) bool {
	for _, m := range r.members {
		if m == c {
			return true
		}
	}
	return false
}

// join adds a client to the room, streaming the state replay to the joiner
// and notifying the existing members. The joiner is inserted into the member
// set last so that it never sees itself in the roster and existing members
// are notified exactly once.
//
// If the join triggered a sync bootstrap, the elected source member is
// returned so the registry can track the outstanding request.
func (r *Room) join(c *Client) (syncSource *Client) {
	if r.contains(c) {
		return nil
	}

	if len(r.members) == 0 {
		r.op = c.ID
	}

	// Roster: member count followed by one id+nickname record per member.
	_ = c.Send([]byte{OpJoin, byte(len(r.members))})
	for _, m := range r.members {
		record := append([]byte{m.ID}, m.Nickname...)
		_ = c.Send(append(record, 0))
	}

	// Per-member state replay, in roster order. The shape counter is driven
	// by repetition: joiners start each peer's counter at zero and advance it
	// once per shape-change frame.
	for _, m := range r.members {
		state := m.snapshot()
		for i := 0; i < state.brush; i++ {
			_ = c.Send([]byte{OpBrushShape, m.ID})
		}
		_ = c.Send([]byte{OpBrushSize, m.ID, state.brushSize[0], state.brushSize[1]})
		for i := 0; i < 4; i++ {
			_ = c.Send([]byte{OpSelectElem, m.ID, state.brushSelection[i][0], state.brushSelection[i][1]})
		}
		_ = c.Send([]byte{OpReplaceMode, m.ID, state.replaceMode})
		_ = c.Send(append([]byte{OpDecoColor, m.ID}, state.deco[:]...))
	}

	notice := append([]byte{OpMemberJoin, c.ID}, c.Nickname...)
	r.send(append(notice, 0), nil)

	// Sync bootstrap: ask any member that isn't sitting in the chat window to
	// send the joiner a stamp of the current simulation.
	for _, m := range r.members {
		if !m.snapshot().isChat {
			syncSource = m
			_ = m.Send([]byte{OpSyncRequest, c.ID})
			break
		}
	}

	r.members = append(r.members, c)
	c.room = r
	return syncSource
}

// part removes a client from the room, re-electing the operator if needed and
// notifying the survivors.
func (r *Room) part(c *Client) {
	idx := -1
	for i, m := range r.members {
		if m == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	r.members = append(r.members[:idx], r.members[idx+1:]...)
	c.room = nil

	if r.op == c.ID && len(r.members) > 0 {
		r.op = r.members[0].ID
	}

	r.send([]byte{OpMemberPart, c.ID}, nil)
}

// send fans a frame out to every member except the given one. Write failures
// are ignored here; a dead peer's own read loop notices and tears it down.
func (r *Room) send(frame []byte, except *Client) {
	for _, m := range r.members {
		if m == except {
			continue
		}
		_ = m.Send(frame)
	}
}
