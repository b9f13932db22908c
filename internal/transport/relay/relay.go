// Package relay implements the relayed transport. A host process owns the
// upstream connection and publishes its frames onto a shared bus; this
// transport asks the host to start relaying and reads the bus.
//
// The host may publish frames for the new stream before StartRelay returns
// its id. The transport subscribes to the bus before calling StartRelay and
// forwards every frame in arrival order, so those early frames reach the
// demultiplexer ahead of the open signal and are held until the id is known.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/agentfeed/internal/auth"
	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// Control event types published by the host for a relayed stream.
const (
	EventRelayError  = "relay.error"
	EventRelayClosed = "relay.closed"
)

// ErrRelay is reported when the host signals a relay failure.
var ErrRelay = errors.New("relay error")

// Config configures the relayed transport.
type Config struct {
	HostURL      string        `yaml:"host_url" validate:"omitempty,url"`
	Bus          string        `yaml:"bus" validate:"omitempty,oneof=memory nats"`
	Buffer       int           `yaml:"buffer" validate:"gte=0"`
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gte=0"`
	StopTimeout  time.Duration `yaml:"stop_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Bus:          "memory",
		Buffer:       bus.DefaultBuffer,
		StartTimeout: 30 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Bus == "" {
		c.Bus = d.Bus
	}
	if c.Buffer == 0 {
		c.Buffer = d.Buffer
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = d.StopTimeout
	}
}

// Transport opens relayed streams.
type Transport struct {
	cfg    Config
	bus    bus.Bus
	host   Host
	logger *slog.Logger
	now    func() time.Time
}

// New creates a relayed transport. The bus is shared and never closed by
// the transport.
func New(cfg Config, b bus.Bus, host Host, logger *slog.Logger) (*Transport, error) {
	if b == nil {
		return nil, fmt.Errorf("relay transport requires a bus")
	}
	if host == nil {
		return nil, fmt.Errorf("relay transport requires a host")
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		bus:    b,
		host:   host,
		logger: logger.With("component", "relay"),
		now:    time.Now,
	}, nil
}

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindRelayed }

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, target transport.Target) (transport.Conn, error) {
	topicKey := target.TopicKey
	if strings.TrimSpace(topicKey) == "" {
		return nil, fmt.Errorf("%w: empty topic key", transport.ErrInvalidTarget)
	}
	if err := auth.Check(target.Token, t.now()); err != nil {
		return nil, err
	}

	sub, err := t.bus.Subscribe(func(f transport.Frame) bool {
		return f.TopicKey == "" || f.TopicKey == topicKey
	}, t.cfg.Buffer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		t:         t,
		sub:       sub,
		signals:   make(chan transport.Signal, 64),
		started:   make(chan startResult, 1),
		done:      make(chan struct{}),
		startDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    t.logger.With("topicKey", topicKey),
	}

	req := StartRequest{
		TopicKey:  topicKey,
		Token:     target.Token,
		RequestID: uuid.NewString(),
		Params:    target.Params,
	}
	go c.start(req)
	go c.run()
	return c, nil
}

type startResult struct {
	streamID string
	err      error
}

type conn struct {
	t       *Transport
	sub     bus.Subscription
	signals chan transport.Signal
	started chan startResult
	logger  *slog.Logger

	done      chan struct{}
	startDone chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once

	mu       sync.Mutex
	streamID string
}

func (c *conn) Signals() <-chan transport.Signal { return c.signals }

func (c *conn) start(req StartRequest) {
	defer close(c.startDone)

	ctx, cancel := context.WithTimeout(c.ctx, c.t.cfg.StartTimeout)
	defer cancel()

	id, err := c.t.host.StartRelay(ctx, req)
	if err == nil {
		c.mu.Lock()
		c.streamID = id
		c.mu.Unlock()
	}
	c.started <- startResult{streamID: id, err: err}
}

func (c *conn) run() {
	defer close(c.done)
	defer close(c.signals)

	streamID := ""
	started := c.started
	frames := c.sub.C()
	// held is a control frame read before the stream id was known. Reading
	// pauses until StartRelay returns and tells whose it is.
	var held *transport.Frame
	for {
		select {
		case <-c.ctx.Done():
			return

		case res := <-started:
			started = nil
			if res.err != nil {
				c.send(transport.Failure(fmt.Errorf("start relay: %w", res.err), 0))
				return
			}
			streamID = res.streamID
			frames = c.sub.C()

			ctlErr := c.ownControl(held, streamID)
			if held != nil && ctlErr == nil {
				if !c.send(transport.FrameSignal(*held)) {
					return
				}
			}
			held = nil
			// Frames that reached the bus while StartRelay was in flight go
			// out ahead of the open signal. A control frame among them ends
			// the connection right after the open.
			if ctlErr == nil {
				var ok bool
				if ok, ctlErr = c.drain(streamID); !ok {
					return
				}
			}
			c.logger.Debug("Relay started", "streamId", streamID)
			if !c.send(transport.Open(streamID)) {
				return
			}
			if ctlErr != nil {
				c.send(transport.Failure(ctlErr, 0))
				return
			}

		case f, ok := <-frames:
			if ok && started != nil && controlError(f) != nil {
				held = &f
				frames = nil
				continue
			}
			if !c.forward(f, ok, streamID) {
				return
			}
		}
	}
}

// ownControl returns the error carried by f when it is a control frame for
// streamID.
func (c *conn) ownControl(f *transport.Frame, streamID string) error {
	if f == nil || streamID == "" || f.StreamID != streamID {
		return nil
	}
	return controlError(*f)
}

// drain forwards the frames already buffered on the bus subscription. It
// stops at the first control frame for streamID and returns its error.
func (c *conn) drain(streamID string) (bool, error) {
	for {
		select {
		case f, ok := <-c.sub.C():
			if !ok {
				c.send(transport.Failure(transport.ErrBusClosed, 0))
				return false, nil
			}
			if err := c.ownControl(&f, streamID); err != nil {
				return true, err
			}
			if !c.send(transport.FrameSignal(f)) {
				return false, nil
			}
		default:
			return true, nil
		}
	}
}

// forward relays one bus receive. It returns false once the connection is
// finished.
func (c *conn) forward(f transport.Frame, ok bool, streamID string) bool {
	if !ok {
		c.send(transport.Failure(transport.ErrBusClosed, 0))
		return false
	}
	if err := c.ownControl(&f, streamID); err != nil {
		c.send(transport.Failure(err, 0))
		return false
	}
	return c.send(transport.FrameSignal(f))
}

// controlError maps host control frames to connection errors.
func controlError(f transport.Frame) error {
	switch f.EventType {
	case EventRelayClosed:
		return transport.ErrStreamClosed
	case EventRelayError:
		var body struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(f.Payload, &body) == nil && body.Message != "" {
			return fmt.Errorf("%w: %s", ErrRelay, body.Message)
		}
		return ErrRelay
	}
	return nil
}

func (c *conn) send(sig transport.Signal) bool {
	select {
	case c.signals <- sig:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Close detaches from the bus and stops the relay, once.
func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.sub.Close()
		<-c.done
		<-c.startDone

		c.mu.Lock()
		streamID := c.streamID
		c.mu.Unlock()
		if streamID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.t.cfg.StopTimeout)
		defer cancel()
		if err = c.t.host.StopRelay(ctx, streamID); err != nil {
			c.logger.Warn("Failed to stop relay", "streamId", streamID, "error", err)
		}
	})
	return err
}
