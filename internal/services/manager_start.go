package services

import (
	"errors"
	"net"
	"net/http"
)

// Start serves the metrics endpoint in the background. The listener is bound
// before Start returns so a bad address fails here.
func (m *Manager) Start() error {
	if m.server == nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.server.Addr = ln.Addr().String()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("Metrics listening", "addr", m.server.Addr, "path", m.cfg.Metrics.Path)
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server error", "error", err)
		}
	}()
	return nil
}
