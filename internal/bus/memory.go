package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// Memory is an in-process bus.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

// NewMemory creates an in-process bus.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With("component", "bus", "bus", "memory"),
	}
}

// Subscribe implements Bus.
func (b *Memory) Subscribe(pred Predicate, buffer int) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrBusClosed
	}

	s := newSubscriber("memory", pred, buffer, b.logger)
	s.onClose = b.remove
	b.subs[s] = struct{}{}
	metrics.BusSubscribers.WithLabelValues("memory").Inc()
	return s, nil
}

func (b *Memory) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish implements Bus.
func (b *Memory) Publish(ctx context.Context, f transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return transport.ErrBusClosed
	}
	snapshot := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.deliver(f)
	}
	return nil
}

// Len returns the number of attached subscribers.
func (b *Memory) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber, closing their channels.
func (b *Memory) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	snapshot := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		s.Close()
	}
}
