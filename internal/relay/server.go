package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/powdermux/server/internal/core"
)

const (
	// Default server message color.
	msgR, msgG, msgB byte = 127, 255, 255
	// Color used for kick notices and other warnings.
	warnR, warnG, warnB byte = 255, 127, 127
)

// Server implements the relay protocol backend: the handshake, the opcode
// dispatch loop, and the session lifecycle. Room and registry bookkeeping is
// delegated to the Registry.
type Server struct {
	Name   string
	Config *core.Config
	Logger *logrus.Logger

	registry *Registry
}

// NewServer assembles the relay backend along with its registry.
func NewServer(name string, config *core.Config, logger *logrus.Logger, hooks Hooks, events Events) *Server {
	return &Server{
		Name:     name,
		Config:   config,
		Logger:   logger,
		registry: NewRegistry(config, logger, hooks, events),
	}
}

func (s *Server) Identifier() string {
	return s.Name
}

// Registry exposes the client and room tables to the embedding process.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Init(ctx context.Context) error {
	return nil
}

// AcceptClient admits a new connection, enforcing the client cap.
func (s *Server) AcceptClient(conn net.Conn) (*Client, error) {
	c, err := s.registry.Admit(conn)
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"conn_id": c.ConnID(),
		"client":  c.IPAddr(),
	}).Debugf("admitted client with id %d", c.ID)
	return c, nil
}

// Shutdown disconnects all live sessions.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
}

// Handshake reads and validates the identify record:
//
//	[major] [minor] [script] [nickname...] [0x00]
//
// Failures send an error frame and tear the session down. On success the
// server acknowledges with 0x01 and drops the client into the lobby.
func (s *Server) Handshake(c *Client) error {
	record, err := c.ReadUntilNull()
	if err != nil {
		s.registry.Disconnect(c, "")
		return fmt.Errorf("reading identify record: %v", err)
	}
	if len(record) < 3 {
		return s.failHandshake(c, "Bad handshake")
	}

	major, minor, script := int(record[0]), int(record[1]), int(record[2])
	v := s.Config.Version

	if major < v.MajorMin || (major == v.MajorMin && minor < v.MinorMin) {
		return s.failHandshake(c, fmt.Sprintf("Client out of date (expected at least %d.%d)", v.MajorMin, v.MinorMin))
	}
	if major > v.MajorMax || (major == v.MajorMax && minor > v.MinorMax) {
		return s.failHandshake(c, fmt.Sprintf("Client too new (expected at most %d.%d)", v.MajorMax, v.MinorMax))
	}
	if script != v.Script {
		return s.failHandshake(c, fmt.Sprintf("Script version mismatch (expected %d)", v.Script))
	}

	nickname := record[3:]
	if !validName(nickname) {
		return s.failHandshake(c, "Bad nickname")
	}
	if len(nickname) > maxNameLen {
		logged := nickname
		if len(logged) > 64 {
			logged = logged[:64]
		}
		s.Logger.Debugf("rejecting overlong nickname %q from %s", logged, c.IPAddr())
		return s.failHandshake(c, "Nick too long")
	}

	if err := s.registry.ReserveNickname(c, string(nickname)); err != nil {
		return s.failHandshake(c, "This nick is already on the server")
	}

	if err := c.Send([]byte{OpIdentifyOK}); err != nil {
		s.registry.Disconnect(c, "")
		return err
	}
	s.registry.events.emitIdentified(c)

	if !s.registry.hooks.allowConnect(c) {
		s.registry.Disconnect(c, "")
		return fmt.Errorf("connect hook refused client %s", c.Nickname)
	}

	s.registry.JoinRoom(c, LobbyName)

	if motd := s.Config.RelayServer.MOTD; motd != "" {
		_ = c.Send(serverMessageFrame(motd, msgR, msgG, msgB))
	}
	return nil
}

func (s *Server) failHandshake(c *Client, reason string) error {
	_ = c.Send(errorFrame(reason))
	s.registry.Disconnect(c, "")
	return fmt.Errorf("handshake rejected for %s: %s", c.IPAddr(), reason)
}

// Handle runs the session's dispatch loop until the connection dies or the
// client desyncs. All exits funnel into the registry's idempotent Disconnect.
func (s *Server) Handle(ctx context.Context, c *Client) error {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
				c.IPAddr(), r, debug.Stack())
			s.registry.Disconnect(c, "")
		}
	}()

	err := s.dispatchLoop(ctx, c)

	var perr *protocolError
	switch {
	case err == nil:
		s.registry.Disconnect(c, "")
	case errors.As(err, &perr):
		// Mid-session framing violations get a descriptive error frame; the
		// teardown sequence is the same.
		_ = c.Send(errorFrame(cases.Title(language.English).String(perr.msg)))
		s.registry.Disconnect(c, "")
		return err
	case isTimeout(err):
		s.registry.Disconnect(c, "Ping timeout")
	default:
		// Transport failures close silently.
		s.registry.Disconnect(c, "")
		if err != io.EOF {
			return err
		}
	}
	return nil
}

func (s *Server) dispatchLoop(ctx context.Context, c *Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		op, err := c.ReadByte()
		if err != nil {
			return err
		}

		if err := s.handleOpcode(c, op); err != nil {
			return err
		}
	}
}

func (s *Server) handleOpcode(c *Client, op byte) error {
	switch op {
	case OpPing:
		// Reading the opcode already reset the idle timer.
		return nil
	case OpJoin:
		return s.handleJoin(c)
	case OpChat, OpEmote:
		return s.handleChat(c, op)
	case OpKick:
		return s.handleKick(c)
	case OpBrushSize:
		data, err := c.ReadN(2)
		if err != nil {
			return err
		}
		c.setBrushSize(data[0], data[1])
		return s.relay(c, op, data)
	case OpBrushShape:
		c.cycleBrushShape()
		return s.relay(c, op, nil)
	case OpSelectElem:
		return s.handleSelectElement(c)
	case OpReplaceMode:
		data, err := c.ReadN(1)
		if err != nil {
			return err
		}
		c.setReplaceMode(data[0])
		return s.relay(c, op, data)
	case OpDecoColor:
		data, err := c.ReadN(4)
		if err != nil {
			return err
		}
		c.setDecoColor(data)
		return s.relay(c, op, data)
	case OpStamp:
		return s.handleStamp(c)
	case OpSyncRequest:
		return s.handleSyncReply(c)
	case OpSyncProps:
		return s.handleSyncPropsReply(c)
	}

	if n, ok := relayPayloadSizes[op]; ok {
		data, err := c.ReadN(n)
		if err != nil {
			return err
		}
		return s.relay(c, op, data)
	}

	return &protocolError{msg: fmt.Sprintf("unknown opcode %#x", op)}
}

// relay rewrites a frame as [op, origin id, payload] and fans it out to the
// origin's room.
func (s *Server) relay(c *Client, op byte, payload []byte) error {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, op, c.ID)
	frame = append(frame, payload...)

	s.registry.Broadcast(c, frame)
	return nil
}

func (s *Server) handleJoin(c *Client) error {
	name, err := c.ReadUntilNull()
	if err != nil {
		return err
	}

	if !validName(name) || len(name) > maxNameLen {
		return s.serverMessage(c, "Bad room name")
	}
	if !s.registry.hooks.allowJoin(c, string(name)) {
		return nil
	}

	s.registry.JoinRoom(c, string(name))
	return nil
}

func (s *Server) handleChat(c *Client, op byte) error {
	msg, err := c.ReadUntilNull()
	if err != nil {
		return err
	}

	if !printable(msg) {
		return s.serverMessage(c, "Message contains non-printable characters")
	}
	if len(msg) > maxMessageLen {
		return s.serverMessage(c, "Message too long")
	}

	text := string(msg)
	if !s.registry.hooks.allowMessage(c, text) {
		return nil
	}
	s.registry.events.emitChat(c, text)

	return s.relay(c, op, append(msg, 0))
}

func (s *Server) handleKick(c *Client) error {
	nick, err := c.ReadUntilNull()
	if err != nil {
		return err
	}
	reason, err := c.ReadUntilNull()
	if err != nil {
		return err
	}

	if !printable(reason) || len(reason) > maxMessageLen {
		return s.serverMessage(c, "Bad kick reason")
	}

	roomName, op, members, ok := s.registry.RoomView(c)
	if !ok || roomName == LobbyName || op != c.ID {
		return s.serverMessage(c, "You can't kick people from here")
	}

	if len(reason) == 0 {
		reason = []byte("No reason given")
	}

	// Only the first nickname match is kicked.
	for _, m := range members {
		if m.Nickname == string(nick) {
			s.kick(m, c, string(reason))
			break
		}
	}
	return nil
}

// kick tells the target why it is being removed, then disconnects it.
func (s *Server) kick(target, source *Client, reason string) {
	_ = target.Send(serverMessageFrame(
		fmt.Sprintf("You were kicked by %s (%s)", source.Nickname, reason), warnR, warnG, warnB))
	s.registry.events.emitKicked(target, source, reason)
	s.registry.Disconnect(target, fmt.Sprintf("Kicked by %s (%s)", source.Nickname, reason))
}

func (s *Server) handleSelectElement(c *Client) error {
	data, err := c.ReadN(2)
	if err != nil {
		return err
	}

	// The chat sentinel means the client moved focus to its chat window; the
	// selection is not a real element and is not relayed.
	if data[0] == chatSentinelA && data[1] == chatSentinelB {
		c.setChat()
		return nil
	}

	button := int(data[0]) / 64
	c.setSelection(button+1, data[0], data[1])
	return s.relay(c, OpSelectElem, data)
}

func (s *Server) handleStamp(c *Client) error {
	header, err := c.ReadN(6)
	if err != nil {
		return err
	}

	size := be24(header[3:6])
	if size > maxStampLen {
		return &protocolError{msg: fmt.Sprintf("stamp of %d bytes exceeds limit", size)}
	}

	payload, err := c.ReadN(size)
	if err != nil {
		return err
	}
	return s.relay(c, OpStamp, append(header, payload...))
}

// handleSyncReply forwards a stamp produced in response to a sync request to
// the waiting joiner. The first header byte addresses the joiner; the
// remaining three carry the payload length, which is preserved as-is.
func (s *Server) handleSyncReply(c *Client) error {
	header, err := c.ReadN(4)
	if err != nil {
		return err
	}

	size := be24(header[1:4])
	if size > maxStampLen {
		return &protocolError{msg: fmt.Sprintf("sync stamp of %d bytes exceeds limit", size)}
	}
	payload, err := c.ReadN(size)
	if err != nil {
		return err
	}

	if !s.registry.TakePendingSync(header[0]) {
		s.Logger.Debugf("sync reply from %d for %d without a pending request", c.ID, header[0])
	}

	target := s.registry.ClientByID(header[0])
	if target == nil {
		// Joiner disconnected while the reply was in flight.
		return nil
	}

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, OpSyncStamp, header[1], header[2], header[3])
	frame = append(frame, payload...)
	_ = target.Send(frame)
	return nil
}

// handleSyncPropsReply forwards a single mirrored-state frame to a joiner,
// but only for whitelisted opcodes.
func (s *Server) handleSyncPropsReply(c *Client) error {
	data, err := c.ReadN(3)
	if err != nil {
		return err
	}

	if !s.registry.validSyncProp(data[1]) {
		return nil
	}
	target := s.registry.ClientByID(data[0])
	if target == nil {
		return nil
	}

	_ = target.Send([]byte{data[1], c.ID, data[2]})
	return nil
}

func (s *Server) serverMessage(c *Client, text string) error {
	return c.Send(serverMessageFrame(text, msgR, msgG, msgB))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
