package relay

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/powdermux/server/internal/core"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return logger
}

func newTestConfig() *core.Config {
	cfg := &core.Config{}
	cfg.RelayServer.MaxClients = 255
	cfg.RelayServer.IdleTimeoutSeconds = 90
	cfg.Version.MajorMin = 1
	cfg.Version.MinorMin = 2
	cfg.Version.MajorMax = 1
	cfg.Version.MinorMax = 9
	cfg.Version.Script = 0
	cfg.Logging.LogLevel = "debug"
	return cfg
}

func newTestListener(t *testing.T) (*net.TCPListener, *net.TCPAddr) {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr)
}

func newTestConnection(t *testing.T, addr *net.TCPAddr) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("error initializing test connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connPair dials the listener and accepts the matching server side.
func connPair(t *testing.T, listener *net.TCPListener, addr *net.TCPAddr) (clientSide *net.TCPConn, serverSide *net.TCPConn) {
	t.Helper()
	clientSide = newTestConnection(t, addr)
	serverSide, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}
	t.Cleanup(func() { _ = serverSide.Close() })
	return clientSide, serverSide
}

// readN reads exactly n bytes from conn, failing the test on error or timeout.
func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	read := 0
	for read < n {
		b, err := conn.Read(buf[read:])
		if err != nil {
			t.Fatalf("error reading %d bytes from test connection (got %d): %v", n, read, err)
		}
		read += b
	}
	return buf
}

// expectNoData asserts that nothing arrives on conn within a short window.
func expectNoData(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected no data, read byte %#x", buf[:n])
	} else if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Fatalf("expected a read timeout, got: %v", err)
	}
}

// drain consumes whatever is buffered on conn until reads go quiet.
func drain(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// expectClosed asserts that conn reaches EOF (ignoring any buffered data).
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// testServer wraps a relay Server listening on a loopback socket, handling
// each connection the way the frontend does.
type testServer struct {
	server *Server
	addr   *net.TCPAddr
}

func startTestServer(t *testing.T, cfg *core.Config, hooks Hooks, events Events) *testServer {
	t.Helper()
	server := NewServer("RELAY", cfg, newTestLogger(), hooks, events)
	listener, addr := newTestListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				c, err := server.AcceptClient(conn)
				if err != nil {
					return
				}
				if err := server.Handshake(c); err != nil {
					return
				}
				_ = server.Handle(ctx, c)
			}()
		}
	}()

	return &testServer{server: server, addr: addr}
}

func (ts *testServer) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	return newTestConnection(t, ts.addr)
}

// identify runs a successful handshake for nick and consumes the identify ack
// and the lobby join replay so the caller starts from a quiet stream.
func (ts *testServer) identify(t *testing.T, conn *net.TCPConn, nick string) {
	t.Helper()
	record := append([]byte{1, 2, 0}, nick...)
	if _, err := conn.Write(append(record, 0)); err != nil {
		t.Fatalf("error writing identify record: %v", err)
	}
	if ack := readN(t, conn, 1); ack[0] != OpIdentifyOK {
		t.Fatalf("expected identify ack 0x01, got %#x", ack[0])
	}
	drain(t, conn)
}

// identifyBytes assembles an identify record.
func identifyBytes(major, minor, script byte, nick string) []byte {
	record := append([]byte{major, minor, script}, nick...)
	return append(record, 0)
}

func expectFrame(t *testing.T, conn net.Conn, want []byte) {
	t.Helper()
	got := readN(t, conn, len(want))
	if !bytes.Equal(want, got) {
		t.Fatalf("frame mismatch: want %v, got %v", want, got)
	}
}
