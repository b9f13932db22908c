package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// Message headers carrying the frame's routing fields.
const (
	HeaderStreamID  = "Stream-Id"
	HeaderTopicKey  = "Topic-Key"
	HeaderEventType = "Event-Type"
)

// DefaultSubject is the subject relayed frames are published on.
const DefaultSubject = "agentfeed.events"

// NATSConfig configures the NATS bus.
type NATSConfig struct {
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject" validate:"omitempty,excludesall= "`
	Timeout time.Duration `yaml:"timeout"`
}

// ApplyDefaults fills unset fields.
func (c *NATSConfig) ApplyDefaults() {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// natsConnect is a variable to allow mocking nats.Connect in tests.
var natsConnect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// NATS is a bus backed by core NATS publish/subscribe. Every reader holds
// its own NATS subscription on the configured subject, so the host process
// can run elsewhere.
type NATS struct {
	nc      *nats.Conn
	owned   bool
	subject string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewNATS connects to cfg.URL and returns a bus that owns the connection.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url cannot be empty")
	}
	nc, err := natsConnect(cfg.URL,
		nats.Name("agentfeed"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b, err := NewNATSFromConn(nc, cfg.Subject, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	b.timeout = cfg.Timeout
	return b, nil
}

// NewNATSFromConn wraps an existing connection. Close does not close nc.
func NewNATSFromConn(nc *nats.Conn, subject string, logger *slog.Logger) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		nc:      nc,
		subject: subject,
		timeout: 5 * time.Second,
		subs:    make(map[*subscriber]struct{}),
		logger:  logger.With("component", "bus", "bus", "nats", "subject", subject),
	}, nil
}

// Subscribe implements Bus.
func (b *NATS) Subscribe(pred Predicate, buffer int) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrBusClosed
	}

	s := newSubscriber("nats", pred, buffer, b.logger)
	ns, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		s.deliver(msgToFrame(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	// Frames published after Subscribe returns must reach this reader.
	if err := b.nc.FlushTimeout(b.timeout); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("failed to register subscription on %s: %w", b.subject, err)
	}
	s.onClose = func(s *subscriber) {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			b.logger.Warn("Failed to unsubscribe", "error", err)
		}
	}
	b.subs[s] = struct{}{}
	metrics.BusSubscribers.WithLabelValues("nats").Inc()
	return s, nil
}

// Publish implements Bus.
func (b *NATS) Publish(ctx context.Context, f transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrBusClosed
	}
	return b.nc.PublishMsg(frameToMsg(b.subject, f))
}

// Flush waits until the server has processed every published frame.
func (b *NATS) Flush(ctx context.Context) error {
	return b.nc.FlushWithContext(ctx)
}

// Close detaches every subscriber and, if the bus owns it, drains the
// connection.
func (b *NATS) Close() {
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

	if b.owned {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn("Failed to drain nats connection", "error", err)
			b.nc.Close()
		}
	}
}

func frameToMsg(subject string, f transport.Frame) *nats.Msg {
	msg := nats.NewMsg(subject)
	if f.StreamID != "" {
		msg.Header.Set(HeaderStreamID, f.StreamID)
	}
	if f.TopicKey != "" {
		msg.Header.Set(HeaderTopicKey, f.TopicKey)
	}
	if f.EventType != "" {
		msg.Header.Set(HeaderEventType, f.EventType)
	}
	msg.Data = f.Payload
	return msg
}

func msgToFrame(msg *nats.Msg) transport.Frame {
	f := transport.Frame{Payload: msg.Data}
	if msg.Header != nil {
		f.StreamID = msg.Header.Get(HeaderStreamID)
		f.TopicKey = msg.Header.Get(HeaderTopicKey)
		f.EventType = msg.Header.Get(HeaderEventType)
	}
	return f
}
