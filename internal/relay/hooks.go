package relay

// Hooks are veto predicates the embedding process can install to gate key
// actions. A nil hook always allows the action; returning false aborts it.
type Hooks struct {
	// Connect runs after a successful handshake, before the lobby join.
	Connect func(c *Client) bool
	// Join runs before a client parts its current room for a new one.
	Join func(c *Client, roomName string) bool
	// Message runs before a chat or emote is relayed.
	Message func(c *Client, text string) bool
}

func (h Hooks) allowConnect(c *Client) bool {
	return h.Connect == nil || h.Connect(c)
}

func (h Hooks) allowJoin(c *Client, roomName string) bool {
	return h.Join == nil || h.Join(c, roomName)
}

func (h Hooks) allowMessage(c *Client, text string) bool {
	return h.Message == nil || h.Message(c, text)
}

// Events are observer callbacks for lifecycle transitions. They are
// informational only; the registry remains authoritative for all state.
// Callbacks run outside the registry lock, so they may call back into the
// server. Nil callbacks are skipped.
type Events struct {
	NewClient  func(c *Client)
	Identified func(c *Client)
	Join       func(c *Client, room *Room)
	Part       func(c *Client, room *Room)
	Disconnect func(c *Client, reason string)
	Kicked     func(c *Client, source *Client, reason string)
	Chat       func(c *Client, text string)
	RoomCreate func(room *Room)
	RoomDelete func(room *Room)
}

func (e Events) emitNewClient(c *Client) {
	if e.NewClient != nil {
		e.NewClient(c)
	}
}

func (e Events) emitIdentified(c *Client) {
	if e.Identified != nil {
		e.Identified(c)
	}
}

func (e Events) emitJoin(c *Client, room *Room) {
	if e.Join != nil {
		e.Join(c, room)
	}
}

func (e Events) emitPart(c *Client, room *Room) {
	if e.Part != nil {
		e.Part(c, room)
	}
}

func (e Events) emitDisconnect(c *Client, reason string) {
	if e.Disconnect != nil {
		e.Disconnect(c, reason)
	}
}

func (e Events) emitKicked(c *Client, source *Client, reason string) {
	if e.Kicked != nil {
		e.Kicked(c, source, reason)
	}
}

func (e Events) emitChat(c *Client, text string) {
	if e.Chat != nil {
		e.Chat(c, text)
	}
}

func (e Events) emitRoomCreate(room *Room) {
	if e.RoomCreate != nil {
		e.RoomCreate(room)
	}
}

func (e Events) emitRoomDelete(room *Room) {
	if e.RoomDelete != nil {
		e.RoomDelete(room)
	}
}
