// Package ws implements the WebSocket variant of the direct transport. Each
// text message carries one JSON event envelope.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syntrixbase/agentfeed/internal/auth"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// DefaultPongWait is the time allowed to read the next pong from the peer.
	DefaultPongWait = 60 * time.Second

	// DefaultReadLimit is the maximum message size.
	DefaultReadLimit = 10 * 1024 * 1024

	// HeaderStreamID carries the server-assigned stream id in the handshake.
	HeaderStreamID = "X-Stream-Id"
)

// Config configures the WebSocket transport.
type Config struct {
	URL              string        `yaml:"url" validate:"omitempty,url"`
	PongWait         time.Duration `yaml:"pong_wait" validate:"gte=0"`
	ReadLimit        int64         `yaml:"read_limit" validate:"gte=0"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:4096/ws",
		PongWait:         DefaultPongWait,
		ReadLimit:        DefaultReadLimit,
		HandshakeTimeout: 30 * time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

// pingPeriod must be less than pongWait.
func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Transport opens WebSocket streams.
type Transport struct {
	cfg    Config
	url    *url.URL
	dialer *websocket.Dialer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a WebSocket transport.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.ApplyDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", transport.ErrInvalidTarget, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: url scheme must be ws or wss, got %q", transport.ErrInvalidTarget, u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "ws"),
		now:    time.Now,
	}, nil
}

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, target transport.Target) (transport.Conn, error) {
	if strings.TrimSpace(target.TopicKey) == "" {
		return nil, fmt.Errorf("%w: empty topic key", transport.ErrInvalidTarget)
	}
	if err := auth.Check(target.Token, t.now()); err != nil {
		return nil, err
	}

	u := *t.url
	q := u.Query()
	q.Set("topic", target.TopicKey)
	for k, v := range target.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", auth.BearerHeader(target.Token))

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		signals: make(chan transport.Signal, 64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go t.run(c, u.String(), header, target.TopicKey)
	return c, nil
}

func (t *Transport) run(c *conn, rawURL string, header http.Header, topicKey string) {
	defer close(c.done)
	defer close(c.signals)

	ws, resp, err := t.dialer.DialContext(c.ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				err = transport.StatusError(resp.StatusCode, err.Error())
			}
		}
		c.send(transport.Failure(fmt.Errorf("dial: %w", err), 0))
		return
	}
	if !c.setSocket(ws) {
		return
	}
	defer ws.Close()

	streamID := resp.Header.Get(HeaderStreamID)
	if streamID == "" {
		streamID = uuid.NewString()
	}
	logger := t.logger.With("topicKey", topicKey, "streamId", streamID)

	pongWait := t.cfg.PongWait
	ws.SetReadLimit(t.cfg.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	if !c.send(transport.Open(streamID)) {
		return
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go t.pingLoop(ws, pingDone, logger)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Debug("Stream closed by peer", "code", closeErr.Code)
				err = fmt.Errorf("%w: %w", transport.ErrStreamClosed, err)
			}
			c.send(transport.Failure(err, 0))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f := transport.Frame{StreamID: streamID, TopicKey: topicKey, Payload: data}
		if !c.send(transport.FrameSignal(f)) {
			return
		}
	}
}

func (t *Transport) pingLoop(ws *websocket.Conn, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(t.cfg.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

type conn struct {
	signals chan transport.Signal
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) Signals() <-chan transport.Signal { return c.signals }

// setSocket publishes ws for Close. It closes ws and returns false when
// Close has already run.
func (c *conn) setSocket(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		ws.Close()
		return false
	}
	c.ws = ws
	return true
}

func (c *conn) send(sig transport.Signal) bool {
	select {
	case c.signals <- sig:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.ws.Close()
		}
		c.mu.Unlock()
		<-c.done
	})
	return nil
}
