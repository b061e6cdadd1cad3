package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/powdermux/server/internal/core"
	"github.com/powdermux/server/internal/core/debug"
)

var (
	// ErrServerFull is returned when a connection is rejected at the client cap.
	ErrServerFull = errors.New("server is full")
	// ErrNicknameTaken is returned when a nickname is already held by a
	// connected client.
	ErrNicknameTaken = errors.New("nickname already taken")
)

// pendingSyncTTL bounds how long the registry remembers an outstanding sync
// request before assuming the elected source never answered.
const pendingSyncTTL = 30 * time.Second

// Registry owns the global client and room tables. All membership and
// lifecycle transitions are serialized under its lock so that id and nickname
// uniqueness, single-room membership, and the join replay ordering hold.
type Registry struct {
	config *core.Config
	logger *logrus.Logger

	hooks  Hooks
	events Events

	mu        sync.Mutex
	clients   map[byte]*Client
	nicknames map[string]*Client
	rooms     map[string]*Room

	// Outstanding sync requests keyed by joiner id. Purely observational: the
	// wire contract forwards replies by their embedded target id regardless.
	pendingSyncs *gocache.Cache

	valid130 map[byte]bool
}

func NewRegistry(config *core.Config, logger *logrus.Logger, hooks Hooks, events Events) *Registry {
	valid130 := make(map[byte]bool, len(defaultSyncPropOps))
	for _, op := range defaultSyncPropOps {
		valid130[op] = true
	}
	for _, op := range config.RelayServer.SyncPropOpcodes {
		valid130[byte(op)] = true
	}

	return &Registry{
		config:       config,
		logger:       logger,
		hooks:        hooks,
		events:       events,
		clients:      make(map[byte]*Client),
		nicknames:    make(map[string]*Client),
		rooms:        make(map[string]*Room),
		pendingSyncs: gocache.New(pendingSyncTTL, time.Minute),
		valid130:     valid130,
	}
}

// NumClients returns the current number of admitted clients.
func (r *Registry) NumClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// NumRooms returns the current number of live rooms.
func (r *Registry) NumRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Admit wraps an accepted connection in a Client and allocates it the lowest
// free id. If the server is at capacity the connection is told so and closed.
func (r *Registry) Admit(conn net.Conn) (*Client, error) {
	c := NewClient(conn, r.config.IdleTimeout())
	if r.config.Debugging.FrameLoggingEnabled {
		c.frameLog = func(direction string, frame []byte) {
			r.logger.Debug(debug.DumpFrame(direction, frame))
		}
	}

	r.mu.Lock()
	max := r.config.MaxClients()
	if len(r.clients) >= max {
		count := len(r.clients)
		r.mu.Unlock()
		_ = c.Send(errorFrame(fmt.Sprintf("Server is full (%d/%d)", count, max)))
		_ = c.Close()
		return nil, ErrServerFull
	}

	for i := 0; i < max; i++ {
		if _, taken := r.clients[byte(i)]; !taken {
			c.ID = byte(i)
			break
		}
	}
	r.clients[c.ID] = c
	r.mu.Unlock()

	r.events.emitNewClient(c)
	return c, nil
}

// ReserveNickname claims a nickname for the client. The claim is released by
// Disconnect.
func (r *Registry) ReserveNickname(c *Client, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, taken := r.nicknames[nickname]; taken && holder != c {
		return ErrNicknameTaken
	}
	r.nicknames[nickname] = c
	c.Nickname = nickname
	return nil
}

// ClientByID looks up a connected client by its wire id.
func (r *Registry) ClientByID(id byte) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// JoinRoom moves a client into the named room, creating it on demand and
// parting the client's current room first. The join replay runs under the
// registry lock so the joiner sees it before any subsequent broadcast.
func (r *Registry) JoinRoom(c *Client, name string) {
	var fire []func()

	r.mu.Lock()
	if current := c.room; current != nil {
		fire = append(fire, r.partLocked(c, current)...)
	}

	room, ok := r.rooms[name]
	if !ok {
		room = newRoom(name)
		r.rooms[name] = room
		created := room
		fire = append(fire, func() { r.events.emitRoomCreate(created) })
	}

	if source := room.join(c); source != nil {
		r.pendingSyncs.Set(pendingSyncKey(c.ID), source.ID, gocache.DefaultExpiration)
	}
	fire = append(fire, func() { r.events.emitJoin(c, room) })
	r.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// partLocked removes the client from a room and deletes the room if it is now
// empty. Must be called with the registry lock held; returns the events to
// fire once the lock is released.
func (r *Registry) partLocked(c *Client, room *Room) []func() {
	fire := []func(){func() { r.events.emitPart(c, room) }}

	room.part(c)
	if room.Empty() {
		delete(r.rooms, room.Name)
		fire = append(fire, func() { r.events.emitRoomDelete(room) })
	}
	return fire
}

// Disconnect tears a client down: the disconnect event fires, the id and
// nickname are released, the socket is closed, and the current room is
// parted. Safe to call any number of times and from any goroutine.
func (r *Registry) Disconnect(c *Client, reason string) {
	if !c.beginDisconnect() {
		return
	}

	r.events.emitDisconnect(c, reason)

	r.mu.Lock()
	delete(r.clients, c.ID)
	if c.Nickname != "" && r.nicknames[c.Nickname] == c {
		delete(r.nicknames, c.Nickname)
	}
	r.mu.Unlock()

	_ = c.Close()

	var fire []func()
	r.mu.Lock()
	if current := c.room; current != nil {
		fire = r.partLocked(c, current)
	}
	r.mu.Unlock()
	for _, f := range fire {
		f()
	}

	r.logger.WithFields(logrus.Fields{
		"conn_id": c.ConnID(),
		"client":  c.IPAddr(),
	}).Debugf("client %d disconnected (%s)", c.ID, reason)
}

// Broadcast fans a frame out to every other member of the sender's current
// room. The member snapshot is taken under the registry lock; the writes
// happen outside it so one slow peer only stalls its own connection.
func (r *Registry) Broadcast(from *Client, frame []byte) {
	r.mu.Lock()
	var members []*Client
	if room := from.room; room != nil {
		members = room.Members()
	}
	r.mu.Unlock()

	for _, m := range members {
		if m == from {
			continue
		}
		_ = m.Send(frame)
	}
}

// RoomView returns a consistent snapshot of the client's current room: its
// name, operator id, and member list. ok is false if the client is roomless.
func (r *Registry) RoomView(c *Client) (name string, op byte, members []*Client, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := c.room
	if room == nil {
		return "", 0, nil, false
	}
	return room.Name, room.op, room.Members(), true
}

// TakePendingSync clears the outstanding sync request for a joiner, reporting
// whether one was recorded.
func (r *Registry) TakePendingSync(joinerID byte) bool {
	key := pendingSyncKey(joinerID)
	if _, found := r.pendingSyncs.Get(key); !found {
		return false
	}
	r.pendingSyncs.Delete(key)
	return true
}

// Shutdown disconnects every connected client.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.Disconnect(c, "Server shutting down")
	}
}

func (r *Registry) validSyncProp(op byte) bool {
	return r.valid130[op]
}

func pendingSyncKey(joinerID byte) string {
	return fmt.Sprintf("sync/%d", joinerID)
}
