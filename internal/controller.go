package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/powdermux/server/internal/core"
	"github.com/powdermux/server/internal/core/debug"
	"github.com/powdermux/server/internal/relay"
)

// Controller is the main entrypoint for the server. It's responsible for
// initializing any shared resources (such as logging), defining the servers,
// and launching everything.
type Controller struct {
	Config *core.Config

	// Optional veto hooks and lifecycle observers installed by the embedding
	// process.
	Hooks  relay.Hooks
	Events relay.Events

	logger  *logrus.Logger
	wg      sync.WaitGroup
	servers []*frontend
}

func (c *Controller) Start(ctx context.Context) error {
	// Set up the logger, which will be used by all sub-servers.
	var err error
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %v", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.Enabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	c.declareServers()
	return c.run(ctx)
}

// Set up all of the servers we want to run.
func (c *Controller) declareServers() {
	c.servers = []*frontend{
		{
			Address: c.Config.ListenAddress(),
			Backend: relay.NewServer("RELAY", c.Config, c.logger, c.Hooks, c.Events),
		},
	}
}

func (c *Controller) run(ctx context.Context) error {
	// Failure to initialize one of the registered servers is considered terminal.
	for _, server := range c.servers {
		server.Config = c.Config
		server.Logger = c.logger

		if err := server.Start(ctx, &c.wg); err != nil {
			return fmt.Errorf("error starting %s server: %v", server.Backend.Identifier(), err)
		}
	}

	c.wg.Wait()
	return nil
}
