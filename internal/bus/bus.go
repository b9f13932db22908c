// Package bus provides the shared event bus a host process relays stream
// frames onto. Many subscriptions read the same bus; each registers a
// predicate and receives only the frames it accepts.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Predicate selects the frames a subscriber receives.
type Predicate func(transport.Frame) bool

// Subscription is one reader attached to a bus.
type Subscription interface {
	// C returns the frame channel. It is closed by Close.
	C() <-chan transport.Frame

	// Close detaches the reader. It is idempotent.
	Close()
}

// Bus is a fan-out channel of relayed frames.
type Bus interface {
	// Subscribe attaches a reader. Frames are delivered in publish order.
	// A reader that falls behind by more than buffer frames loses the
	// overflow; other readers are unaffected.
	Subscribe(pred Predicate, buffer int) (Subscription, error)

	// Publish hands a frame to every matching reader.
	Publish(ctx context.Context, f transport.Frame) error
}

// subscriber is the channel side shared by the bus implementations.
type subscriber struct {
	name   string
	pred   Predicate
	ch     chan transport.Frame
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	onClose func(*subscriber)
	once    sync.Once
}

func newSubscriber(name string, pred Predicate, buffer int, logger *slog.Logger) *subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &subscriber{
		name:   name,
		pred:   pred,
		ch:     make(chan transport.Frame, buffer),
		logger: logger,
	}
}

func (s *subscriber) C() <-chan transport.Frame { return s.ch }

// deliver never blocks; a full channel drops the frame for this reader.
func (s *subscriber) deliver(f transport.Frame) {
	if s.pred != nil && !s.pred(f) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- f:
	default:
		metrics.FramesDropped.WithLabelValues(metrics.DropSlow).Inc()
		s.logger.Warn("Bus subscriber buffer full, frame dropped",
			"streamId", f.StreamID, "topicKey", f.TopicKey, "eventType", f.EventType)
	}
}

func (s *subscriber) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		metrics.BusSubscribers.WithLabelValues(s.name).Dec()
	})
}
