// Package sse implements the direct transport: a Server-Sent Events stream
// opened by this process against the event endpoint.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/schema"

	"github.com/syntrixbase/agentfeed/internal/auth"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

const errorBodyLimit = 4096

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the HTTP client used for stream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// Transport opens SSE streams.
type Transport struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	encoder *schema.Encoder
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	lastID map[string]string
}

// New creates an SSE transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	cfg.ApplyDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", transport.ErrInvalidTarget, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url scheme must be http or https, got %q", transport.ErrInvalidTarget, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: base url has no host", transport.ErrInvalidTarget)
	}

	t := &Transport{
		cfg:     cfg,
		base:    base,
		encoder: schema.NewEncoder(),
		logger:  slog.Default(),
		now:     time.Now,
		lastID:  make(map[string]string),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "sse")
	return t, nil
}

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindDirect }

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, target transport.Target) (transport.Conn, error) {
	if strings.TrimSpace(target.TopicKey) == "" {
		return nil, fmt.Errorf("%w: empty topic key", transport.ErrInvalidTarget)
	}
	if err := auth.Check(target.Token, t.now()); err != nil {
		return nil, err
	}

	req, err := t.newRequest(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		signals: make(chan transport.Signal, 64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go t.run(c, req.WithContext(ctx), target)
	return c, nil
}

func (t *Transport) newRequest(target transport.Target) (*http.Request, error) {
	u := t.base.JoinPath(t.cfg.Path)

	values := u.Query()
	q := query{Topic: target.TopicKey, Directory: t.cfg.Directory}
	if err := t.encoder.Encode(q, values); err != nil {
		return nil, fmt.Errorf("%w: query: %v", transport.ErrInvalidTarget, err)
	}
	for k, v := range target.Params {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidTarget, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", auth.BearerHeader(target.Token))
	if t.cfg.Resume {
		if id := t.resumeID(target.TopicKey); id != "" {
			req.Header.Set("Last-Event-ID", id)
		}
	}
	return req, nil
}

func (t *Transport) resumeID(topicKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID[topicKey]
}

func (t *Transport) rememberID(topicKey, id string) {
	if !t.cfg.Resume || id == "" {
		return
	}
	t.mu.Lock()
	t.lastID[topicKey] = id
	t.mu.Unlock()
}

func (t *Transport) run(c *conn, req *http.Request, target transport.Target) {
	defer close(c.done)
	defer close(c.signals)

	resp, err := t.client.Do(req)
	if err != nil {
		c.send(transport.Failure(fmt.Errorf("connect: %w", err), 0))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.send(transport.Failure(transport.StatusError(resp.StatusCode, strings.TrimSpace(string(body))), 0))
		return
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "text/event-stream" {
		c.send(transport.Failure(fmt.Errorf("%w: unexpected content type %q", transport.ErrInvalidTarget, resp.Header.Get("Content-Type")), 0))
		return
	}

	streamID := resp.Header.Get(HeaderStreamID)
	if streamID == "" {
		streamID = uuid.NewString()
	}
	logger := t.logger.With("topicKey", target.TopicKey, "streamId", streamID)
	logger.Debug("Stream opened")
	if !c.send(transport.Open(streamID)) {
		return
	}

	p := newParser(resp.Body, t.cfg.MaxLineBytes)
	for {
		msg, err := p.Next()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = transport.ErrStreamClosed
			}
			logger.Debug("Stream ended", "error", err)
			c.send(transport.Failure(err, p.Retry()))
			return
		}
		t.rememberID(target.TopicKey, msg.ID)
		f := transport.Frame{
			StreamID:  streamID,
			TopicKey:  target.TopicKey,
			EventType: msg.Event,
			Payload:   []byte(msg.Data),
		}
		if !c.send(transport.FrameSignal(f)) {
			return
		}
	}
}

type conn struct {
	signals chan transport.Signal
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (c *conn) Signals() <-chan transport.Signal { return c.signals }

// send delivers sig unless the connection is closing.
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
		<-c.done
	})
	return nil
}
