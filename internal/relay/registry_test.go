package relay

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
)

func TestRegistry_AdmitAllocatesLowestFreeID(t *testing.T) {
	listener, addr := newTestListener(t)
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, Events{})

	var clients []*Client
	for i := 0; i < 3; i++ {
		_, serverSide := connPair(t, listener, addr)
		c, err := registry.Admit(serverSide)
		if err != nil {
			t.Fatalf("Admit() returned an unexpected error: %v", err)
		}
		if c.ID != byte(i) {
			t.Fatalf("expected client %d to get id %d, got %d", i, i, c.ID)
		}
		clients = append(clients, c)
	}

	// Freeing the middle id makes it the lowest available again.
	registry.Disconnect(clients[1], "")

	_, serverSide := connPair(t, listener, addr)
	c, err := registry.Admit(serverSide)
	if err != nil {
		t.Fatalf("Admit() returned an unexpected error: %v", err)
	}
	if c.ID != 1 {
		t.Fatalf("expected released id 1 to be reused, got %d", c.ID)
	}
}

func TestRegistry_AdmitRejectsAtCapacity(t *testing.T) {
	listener, addr := newTestListener(t)

	cfg := newTestConfig()
	cfg.RelayServer.MaxClients = 2
	registry := NewRegistry(cfg, newTestLogger(), Hooks{}, Events{})

	for i := 0; i < 2; i++ {
		_, serverSide := connPair(t, listener, addr)
		if _, err := registry.Admit(serverSide); err != nil {
			t.Fatalf("Admit() returned an unexpected error: %v", err)
		}
	}

	clientSide, serverSide := connPair(t, listener, addr)
	if _, err := registry.Admit(serverSide); err != ErrServerFull {
		t.Fatalf("expected ErrServerFull, got: %v", err)
	}

	expectFrame(t, clientSide, errorFrame("Server is full (2/2)"))
	expectClosed(t, clientSide)
}

func TestRegistry_ReserveNickname(t *testing.T) {
	listener, addr := newTestListener(t)
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, Events{})

	_, serverSide := connPair(t, listener, addr)
	alice, _ := registry.Admit(serverSide)
	_, serverSide = connPair(t, listener, addr)
	impostor, _ := registry.Admit(serverSide)

	if err := registry.ReserveNickname(alice, "alice"); err != nil {
		t.Fatalf("ReserveNickname() returned an unexpected error: %v", err)
	}
	if err := registry.ReserveNickname(impostor, "alice"); err != ErrNicknameTaken {
		t.Fatalf("expected ErrNicknameTaken, got: %v", err)
	}

	// The nickname is released on disconnect.
	registry.Disconnect(alice, "")
	if err := registry.ReserveNickname(impostor, "alice"); err != nil {
		t.Fatalf("ReserveNickname() after release returned an unexpected error: %v", err)
	}
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	listener, addr := newTestListener(t)

	var events []string
	recorder := Events{
		Disconnect: func(c *Client, reason string) {
			events = append(events, fmt.Sprintf("disconnect %d %q", c.ID, reason))
		},
	}
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, recorder)

	_, serverSide := connPair(t, listener, addr)
	c, _ := registry.Admit(serverSide)

	registry.Disconnect(c, "Ping timeout")
	registry.Disconnect(c, "Ping timeout")

	if diff := deep.Equal([]string{`disconnect 0 "Ping timeout"`}, events); diff != nil {
		t.Fatalf("expected exactly one disconnect event: %v", diff)
	}
	if registry.NumClients() != 0 {
		t.Fatalf("expected empty client table, have %d", registry.NumClients())
	}
}

func TestRegistry_RoomLifecycle(t *testing.T) {
	listener, addr := newTestListener(t)

	var events []string
	recorder := Events{
		Join:       func(c *Client, room *Room) { events = append(events, "join "+room.Name) },
		Part:       func(c *Client, room *Room) { events = append(events, "part "+room.Name) },
		RoomCreate: func(room *Room) { events = append(events, "create "+room.Name) },
		RoomDelete: func(room *Room) { events = append(events, "delete "+room.Name) },
	}
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, recorder)

	clientSide, serverSide := connPair(t, listener, addr)
	c, _ := registry.Admit(serverSide)
	c.Nickname = "alice"

	registry.JoinRoom(c, "workshop")
	if registry.NumRooms() != 1 {
		t.Fatalf("expected one live room, have %d", registry.NumRooms())
	}

	// Moving to another room deletes the now-empty first one.
	registry.JoinRoom(c, "lab")
	if registry.NumRooms() != 1 {
		t.Fatalf("expected one live room after moving, have %d", registry.NumRooms())
	}

	registry.Disconnect(c, "")
	if registry.NumRooms() != 0 {
		t.Fatalf("expected no rooms after disconnect, have %d", registry.NumRooms())
	}

	want := []string{
		"create workshop",
		"join workshop",
		"part workshop",
		"delete workshop",
		"create lab",
		"join lab",
		"part lab",
		"delete lab",
	}
	if diff := deep.Equal(want, events); diff != nil {
		t.Fatalf("unexpected event sequence: %v", diff)
	}

	drain(t, clientSide)
}

func TestRegistry_OperatorReelection(t *testing.T) {
	listener, addr := newTestListener(t)
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, Events{})

	var clients []*Client
	for _, nick := range []string{"alice", "bob", "carol"} {
		clientSide, serverSide := connPair(t, listener, addr)
		c, _ := registry.Admit(serverSide)
		c.Nickname = nick
		registry.JoinRoom(c, "workshop")
		clients = append(clients, c)
		drain(t, clientSide)
	}

	_, op, _, ok := registry.RoomView(clients[2])
	if !ok || op != clients[0].ID {
		t.Fatalf("expected first joiner %d to be operator, got %d", clients[0].ID, op)
	}

	// The operator leaving promotes the next member in join order.
	registry.Disconnect(clients[0], "")
	_, op, _, ok = registry.RoomView(clients[2])
	if !ok || op != clients[1].ID {
		t.Fatalf("expected %d to be promoted to operator, got %d", clients[1].ID, op)
	}
}

func TestRegistry_SyncPropWhitelistExtension(t *testing.T) {
	cfg := newTestConfig()
	cfg.RelayServer.SyncPropOpcodes = []int{int(OpModifier)}
	registry := NewRegistry(cfg, newTestLogger(), Hooks{}, Events{})

	for _, op := range defaultSyncPropOps {
		if !registry.validSyncProp(op) {
			t.Fatalf("expected built-in opcode %d to stay accepted", op)
		}
	}
	if !registry.validSyncProp(OpModifier) {
		t.Fatal("expected the configured opcode to be accepted")
	}
	if registry.validSyncProp(OpChat) {
		t.Fatal("expected unlisted opcodes to stay rejected")
	}
}

func TestRegistry_FrameLogging(t *testing.T) {
	listener, addr := newTestListener(t)

	var buf bytes.Buffer
	logger := newTestLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	cfg := newTestConfig()
	cfg.Debugging.FrameLoggingEnabled = true
	registry := NewRegistry(cfg, logger, Hooks{}, Events{})

	clientSide, serverSide := connPair(t, listener, addr)
	c, _ := registry.Admit(serverSide)

	if err := c.Send([]byte{OpIdentifyOK}); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	drain(t, clientSide)

	if _, err := clientSide.Write([]byte{OpPing}); err != nil {
		t.Fatalf("error writing to test connection: %v", err)
	}
	if _, err := c.ReadByte(); err != nil {
		t.Fatalf("ReadByte() returned an unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "send 1 bytes") {
		t.Fatalf("expected a dump of the outbound frame, got:\n%s", out)
	}
	if !strings.Contains(out, "recv 1 bytes") {
		t.Fatalf("expected a dump of the inbound frame, got:\n%s", out)
	}
}

func TestRegistry_PendingSync(t *testing.T) {
	listener, addr := newTestListener(t)
	registry := NewRegistry(newTestConfig(), newTestLogger(), Hooks{}, Events{})

	aliceSide, serverSide := connPair(t, listener, addr)
	alice, _ := registry.Admit(serverSide)
	alice.Nickname = "alice"
	registry.JoinRoom(alice, "workshop")

	bobSide, serverSide := connPair(t, listener, addr)
	bob, _ := registry.Admit(serverSide)
	bob.Nickname = "bob"
	registry.JoinRoom(bob, "workshop")

	// Joining a populated room elects a sync source and records the request.
	if !registry.TakePendingSync(bob.ID) {
		t.Fatal("expected a pending sync request for the joiner")
	}
	if registry.TakePendingSync(bob.ID) {
		t.Fatal("expected the pending sync request to be cleared once taken")
	}

	drain(t, aliceSide)
	drain(t, bobSide)
}
