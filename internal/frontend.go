package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/powdermux/server/internal/core"
)

// frontend implements the concurrent client connection logic.
//
// Connections are accepted from a TCP socket and passed to a Backend
// instance, abstracting the lower level connection details away from the
// Backends.
type frontend struct {
	Address string
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger
}

// Start initializes the server backend and opens a TCP socket for the
// specified server. A blocking loop for accepting client connections is spun
// off in its own goroutine and added to the WaitGroup. Context cancellations
// will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}

	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely
// responsible for accepting new connections and spinning off goroutines for
// the Backend to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Backend.Identifier(), f.Address)

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			connection, err := socket.AcceptTCP()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}
			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			_ = socket.Close()
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Backend.Identifier())
	f.Backend.Shutdown()
	clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Backend.Identifier())
}

// acceptClient hands a connection to the Backend and, if it was admitted,
// runs the handshake and the session loop. The Backend owns all session
// teardown; the frontend only reports what happened.
func (f *frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	c, err := f.Backend.AcceptClient(connection)
	if err != nil {
		f.Logger.Infof("[%s] rejected connection from %s: %v",
			f.Backend.Identifier(), connection.RemoteAddr(), err)
		return
	}

	f.Logger.Infof("[%s] accepted connection from %s", f.Backend.Identifier(), c.IPAddr())

	if err := f.Backend.Handshake(c); err != nil {
		f.Logger.Infof("[%s] handshake failed for %s: %v", f.Backend.Identifier(), c.IPAddr(), err)
		return
	}

	if err := f.Backend.Handle(ctx, c); err != nil {
		f.Logger.Warn("error in client communication: " + err.Error())
	}

	f.Logger.Infof("[%s] disconnected client %s", f.Backend.Identifier(), c.IPAddr())
}
