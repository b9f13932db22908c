package services

import (
	"context"
)

// Shutdown closes every subscription, stops the metrics server and closes
// the bus when the manager created it.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.engine != nil {
		done := make(chan struct{})
		go func() {
			m.engine.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("Timeout waiting for subscriptions to close")
		}
	}

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down metrics server", "error", err)
		}
	}
	m.wg.Wait()

	m.closeBus()
}
