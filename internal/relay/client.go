package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// mirror is the per-client derived state the server tracks so that it can
// replay a client's brush configuration to anyone who joins its room later.
type mirror struct {
	// Number of shape-change steps from the initial shape. Replay emits this
	// many shape-change frames because joiners start their counters at zero.
	brush          int
	brushSize      [2]byte
	brushSelection [5][2]byte
	replaceMode    byte
	deco           [4]byte
	isChat         bool
}

func newMirror() mirror {
	return mirror{
		brushSize: [2]byte{4, 4},
		brushSelection: [5][2]byte{
			{0, 1}, {64, 0}, {128, 0}, {192, 0},
		},
		replaceMode: '0',
	}
}

// Client represents a user connected to the relay server.
type Client struct {
	conn   net.Conn
	ipAddr string
	port   string
	connID string

	reader      *bufio.Reader
	idleTimeout time.Duration

	// frameLog, when set, receives every frame read from or written to the
	// connection for debug dumping.
	frameLog func(direction string, frame []byte)

	// Serializes frame writes so that broadcasts from peers never interleave
	// bytes with frames sent by the owning session.
	writeMu sync.Mutex

	disconnected int32

	// ID is the one-byte address tag assigned at admission.
	ID byte
	// Nickname is set once the client has identified.
	Nickname string

	mu    sync.Mutex // guards state
	state mirror

	// Current room. Guarded by the registry's lock, not c.mu.
	room *Room
}

// NewClient wraps an accepted connection. The id and nickname are assigned
// later by the registry and handshake respectively.
func NewClient(conn net.Conn, idleTimeout time.Duration) *Client {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	return &Client{
		conn:        conn,
		ipAddr:      host,
		port:        port,
		connID:      uuid.New().String(),
		reader:      bufio.NewReader(conn),
		idleTimeout: idleTimeout,
		state:       newMirror(),
	}
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// ConnID returns the correlation id used to tie log lines to this connection.
func (c *Client) ConnID() string { return c.connID }

// Room returns the name of the client's current room, or "" if it has none.
// Only safe to call from event and hook callbacks, which the registry invokes
// without racing room transitions for the same client.
func (c *Client) Room() string {
	if c.room == nil {
		return ""
	}
	return c.room.Name
}

func (c *Client) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// ReadByte consumes the next single byte from the connection.
func (c *Client) ReadByte() (byte, error) {
	c.extendReadDeadline()
	b, err := c.reader.ReadByte()
	if err == nil && c.frameLog != nil {
		c.frameLog("recv", []byte{b})
	}
	return b, err
}

// ReadN blocks until exactly n bytes have been read from the connection.
func (c *Client) ReadN(n int) ([]byte, error) {
	c.extendReadDeadline()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	if c.frameLog != nil {
		c.frameLog("recv", buf)
	}
	return buf, nil
}

// ReadUntilNull blocks until a NUL byte arrives and returns everything read
// before it. The NUL is consumed but not returned.
func (c *Client) ReadUntilNull() ([]byte, error) {
	c.extendReadDeadline()
	b, err := c.reader.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	if c.frameLog != nil {
		c.frameLog("recv", b)
	}
	return b[:len(b)-1], nil
}

// Send writes a single frame to the client. Writes are serialized so frames
// from concurrent senders never interleave.
func (c *Client) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.frameLog != nil {
		c.frameLog("send", frame)
	}

	sent := 0
	for sent < len(frame) {
		n, err := c.conn.Write(frame[sent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %s", c.ipAddr, err.Error())
		}
		sent += n
	}
	return nil
}

// Close the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// beginDisconnect flips the client into the disconnected state, returning
// false if it was already there. Keeps Disconnect idempotent.
func (c *Client) beginDisconnect() bool {
	return atomic.CompareAndSwapInt32(&c.disconnected, 0, 1)
}

// snapshot returns a consistent copy of the client's mirrored state.
func (c *Client) snapshot() mirror {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// cycleBrushShape advances the shape counter through 1,2,3,1,... and returns
// the new value.
func (c *Client) cycleBrushShape() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.brush = (c.state.brush % 3) + 1
	return c.state.brush
}

func (c *Client) setBrushSize(w, h byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.brushSize = [2]byte{w, h}
}

func (c *Client) setSelection(slot int, a, b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.brushSelection[slot] = [2]byte{a, b}
}

func (c *Client) setReplaceMode(mode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.replaceMode = mode
}

func (c *Client) setDecoColor(deco []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.state.deco[:], deco)
}

func (c *Client) setChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.isChat = true
}
