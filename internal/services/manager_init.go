package services

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/engine"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/internal/transport/relay"
	"github.com/syntrixbase/agentfeed/internal/transport/sse"
	"github.com/syntrixbase/agentfeed/internal/transport/ws"
)

// natsBusFactory is a variable to allow replacing the NATS bus in tests.
var natsBusFactory = func(cfg bus.NATSConfig, logger *slog.Logger) (closableBus, error) {
	return bus.NewNATS(cfg, logger)
}

// Init builds the transport, the engine and the metrics server.
func (m *Manager) Init() error {
	if err := m.initTransport(); err != nil {
		return err
	}

	eng, err := engine.New(m.cfg.Engine, m.tr, m.logger)
	if err != nil {
		m.closeBus()
		return fmt.Errorf("failed to create engine: %w", err)
	}
	m.engine = eng

	m.initMetricsServer()
	return nil
}

func (m *Manager) initTransport() error {
	var err error
	switch m.cfg.Engine.Transport {
	case transport.KindDirect:
		m.tr, err = sse.New(m.cfg.SSE, sse.WithHTTPClient(m.opts.HTTPClient), sse.WithLogger(m.logger))
	case transport.KindWebSocket:
		m.tr, err = ws.New(m.cfg.WS, m.logger)
	case transport.KindRelayed:
		err = m.initRelay()
	default:
		err = fmt.Errorf("unknown transport %q", m.cfg.Engine.Transport)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", m.cfg.Engine.Transport, err)
	}
	return nil
}

func (m *Manager) initRelay() error {
	switch {
	case m.opts.Bus != nil:
		m.bus = m.opts.Bus
	case m.cfg.Relay.Bus == "nats":
		b, err := natsBusFactory(m.cfg.NATS, m.logger)
		if err != nil {
			return err
		}
		m.bus, m.ownsBus = b, true
	default:
		m.logger.Warn("Relayed transport on the in-process bus; frames must be published by this process")
		m.bus, m.ownsBus = bus.NewMemory(m.logger), true
	}

	host, err := relay.NewHTTPHost(m.cfg.Relay.HostURL, m.opts.HTTPClient, m.logger)
	if err != nil {
		m.closeBus()
		return err
	}
	tr, err := relay.New(m.cfg.Relay, m.bus, host, m.logger)
	if err != nil {
		m.closeBus()
		return err
	}
	m.tr = tr
	return nil
}

func (m *Manager) initMetricsServer() {
	if m.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(m.cfg.Metrics.Path, promhttp.Handler())
	m.server = &http.Server{
		Addr:    m.cfg.Metrics.Addr,
		Handler: mux,
	}
}

func (m *Manager) closeBus() {
	if !m.ownsBus || m.bus == nil {
		return
	}
	if c, ok := m.bus.(interface{ Close() }); ok {
		c.Close()
	}
	m.bus, m.ownsBus = nil, false
}
