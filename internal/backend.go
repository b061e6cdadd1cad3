package internal

import (
	"context"
	"net"

	"github.com/powdermux/server/internal/relay"
)

// Backend is an interface for a server that handles a specific set of client
// interactions once the frontend has accepted the raw connection.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// Init is called before a Backend is started as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// AcceptClient admits a connection, performing whatever bookkeeping is
	// needed before the session can begin. It may reject the connection, in
	// which case it is responsible for closing it.
	AcceptClient(conn net.Conn) (*relay.Client, error)

	// Handshake performs the connection initialization necessary to begin
	// communicating with the client.
	Handshake(c *relay.Client) error

	// Handle is the main entry point for a client session and blocks until
	// the session has ended.
	Handle(ctx context.Context, c *relay.Client) error

	// Shutdown disconnects any live sessions during server teardown.
	Shutdown()
}
