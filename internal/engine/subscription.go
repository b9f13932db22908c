package engine

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/syntrixbase/agentfeed/internal/consumer"
	"github.com/syntrixbase/agentfeed/internal/demux"
	"github.com/syntrixbase/agentfeed/internal/filter"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

// Options configure one subscription.
type Options struct {
	// OnEvent switches the subscription to callback delivery: events are
	// handed to OnEvent on a dedicated goroutine, in order. Next and Events
	// must not be used together with OnEvent. OnEvent must not wait on
	// Done or Engine.Close.
	OnEvent func(model.Event)

	// OnStatus is invoked once per status change, in order, from the
	// subscription's supervisor goroutine. It runs concurrently with
	// OnEvent, except that a terminal error status is reported only after
	// OnEvent has returned for every delivered event.
	OnStatus func(model.StatusChange)

	// Filter is an optional CEL expression over `event`.
	Filter string

	// Params are passed to the transport.
	Params map[string]string
}

// Subscription is a live event subscription for one topic key.
type Subscription struct {
	id       string
	topicKey string
	token    string
	opts     Options

	engine *Engine
	filter *filter.Filter
	demux  *demux.Demux
	queue  *consumer.Queue
	iter   *consumer.Iterator
	pump   *consumer.Pump
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	// progressed is set when the current connection delivered a frame.
	// Supervisor-owned.
	progressed bool

	mu       sync.RWMutex
	status   model.Status
	hasStat  bool
	streamID string
	err      error
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// TopicKey returns the topic key.
func (s *Subscription) TopicKey() string { return s.topicKey }

// Status returns the current status.
func (s *Subscription) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StreamID returns the stream id of the current connection, empty while
// not connected.
func (s *Subscription) StreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// Err returns the terminal error, nil while running or after Close.
func (s *Subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Next returns the next event. It returns io.EOF at end of stream: after
// Close, or after a terminal error once buffered events are consumed.
// At most one Next call may be outstanding.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	return s.iter.Next(ctx)
}

// Events returns a range-over-func sequence over Next.
func (s *Subscription) Events(ctx context.Context) iter.Seq[model.Event] {
	return s.iter.All(ctx)
}

// Done is closed once the supervisor has exited, the connection has been
// released and the last OnEvent call has returned.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription. It is idempotent and does not block: a
// pending Next returns io.EOF immediately and reconnecting stops.
func (s *Subscription) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.queue.Close()
}

func (s *Subscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Subscription) setStreamID(id string) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
