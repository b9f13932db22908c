// Package demux routes a (possibly shared) frame feed to one subscription.
//
// A Demux starts in AwaitingID: the subscription's stream id is not known
// yet, so frames are buffered. Resolve supplies the id, drains the buffer
// in arrival order and switches to Filtering, where frames are matched by
// exact stream id. Reset returns to AwaitingID for a reconnect; Close is
// terminal.
//
// A Demux is not safe for concurrent use. It is owned by the goroutine that
// reads the subscription's transport signals.
package demux

import (
	"log/slog"

	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// State is the demultiplexer state.
type State int

const (
	AwaitingID State = iota
	Filtering
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingID:
		return "awaiting_id"
	case Filtering:
		return "filtering"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultMaxPending bounds the AwaitingID buffer.
const DefaultMaxPending = 1024

// Sink receives frames that belong to the subscription, in order.
type Sink func(transport.Frame)

// Demux is the per-subscription routing state machine.
type Demux struct {
	topicKey   string
	streamID   string
	state      State
	pending    []transport.Frame
	maxPending int
	sink       Sink
	logger     *slog.Logger
}

// Option configures a Demux.
type Option func(*Demux)

// WithMaxPending sets the AwaitingID buffer bound.
func WithMaxPending(n int) Option {
	return func(d *Demux) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Demux) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Demux for topicKey delivering matched frames to sink.
func New(topicKey string, sink Sink, opts ...Option) *Demux {
	d := &Demux{
		topicKey:   topicKey,
		state:      AwaitingID,
		maxPending: DefaultMaxPending,
		sink:       sink,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "demux", "topicKey", topicKey)
	return d
}

// State returns the current state.
func (d *Demux) State() State { return d.state }

// StreamID returns the resolved stream id, empty while awaiting it.
func (d *Demux) StreamID() string { return d.streamID }

// Pending returns the number of buffered frames.
func (d *Demux) Pending() int { return len(d.pending) }

// Accept routes one incoming frame.
func (d *Demux) Accept(f transport.Frame) {
	switch d.state {
	case AwaitingID:
		// A frame tagged with another topic can never become ours.
		if f.TopicKey != "" && f.TopicKey != d.topicKey {
			metrics.FramesDropped.WithLabelValues(metrics.DropForeign).Inc()
			return
		}
		if len(d.pending) >= d.maxPending {
			metrics.FramesDropped.WithLabelValues(metrics.DropOverflow).Inc()
			d.logger.Warn("Pending buffer full, dropping frame",
				"limit", d.maxPending, "eventType", f.EventType)
			return
		}
		d.pending = append(d.pending, f)
	case Filtering:
		if f.StreamID != d.streamID {
			metrics.FramesDropped.WithLabelValues(metrics.DropForeign).Inc()
			return
		}
		d.sink(f)
	case Closed:
		metrics.FramesDropped.WithLabelValues(metrics.DropClosed).Inc()
	}
}

// Resolve records the stream id, drains the buffered frames that belong to
// this subscription in FIFO order and enters Filtering. Resolve on a closed
// Demux is a no-op.
func (d *Demux) Resolve(streamID string) {
	if d.state == Closed {
		return
	}
	d.streamID = streamID
	d.state = Filtering

	pending := d.pending
	d.pending = nil
	delivered := 0
	for _, f := range pending {
		if !d.matchesBuffered(f) {
			metrics.FramesDropped.WithLabelValues(metrics.DropForeign).Inc()
			continue
		}
		d.sink(f)
		delivered++
		// The sink may close us (e.g. unsubscribe from a callback).
		if d.state == Closed {
			return
		}
	}
	if len(pending) > 0 {
		d.logger.Debug("Drained pending frames",
			"streamId", streamID, "buffered", len(pending), "delivered", delivered)
	}
}

// matchesBuffered decides whether a frame buffered before the id was known
// belongs to the resolved stream. A frame tagged with a stream id must carry
// ours; an untagged one must carry our topic key.
func (d *Demux) matchesBuffered(f transport.Frame) bool {
	if f.StreamID != "" {
		return f.StreamID == d.streamID
	}
	return f.TopicKey == d.topicKey
}

// Reset returns to AwaitingID, forgetting the stream id and any buffered
// frames. Used when the transport reconnects and a new id will be assigned.
func (d *Demux) Reset() {
	if d.state == Closed {
		return
	}
	d.state = AwaitingID
	d.streamID = ""
	d.pending = nil
}

// Close clears all buffers and enters the terminal Closed state.
func (d *Demux) Close() {
	d.state = Closed
	d.pending = nil
}
