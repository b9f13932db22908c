// Package services wires the configured transport, bus, engine and metrics
// endpoint into one process lifecycle: Init, Start, Shutdown.
package services

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/config"
	"github.com/syntrixbase/agentfeed/internal/engine"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// Options holds process-level settings that are not part of the config file.
type Options struct {
	// HTTPClient is used by the direct transport and the relay host client.
	HTTPClient *http.Client
	// Bus replaces the configured relay bus, for hosts embedding agentfeed.
	Bus bus.Bus
}

type closableBus interface {
	bus.Bus
	Close()
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	tr      transport.Transport
	bus     bus.Bus
	ownsBus bool
	engine  *engine.Engine
	server  *http.Server
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Engine returns the subscription engine. It is nil before Init.
func (m *Manager) Engine() *engine.Engine { return m.engine }

// Bus returns the relay bus, or nil for the direct and websocket transports.
func (m *Manager) Bus() bus.Bus { return m.bus }

// MetricsAddr returns the metrics listen address, empty when disabled.
func (m *Manager) MetricsAddr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr
}
