package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/internal/transport/relay"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

type fakeConn struct {
	signals chan transport.Signal
	closed  chan struct{}
	once    sync.Once
	closes  atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		signals: make(chan transport.Signal, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Signals() <-chan transport.Signal { return c.signals }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) emit(sig transport.Signal) bool {
	select {
	case c.signals <- sig:
		return true
	case <-c.closed:
		return false
	}
}

// fakeTransport hands out fakeConns; script drives each one.
type fakeTransport struct {
	kind    transport.Kind
	openErr error
	script  func(n int, c *fakeConn)

	mu      sync.Mutex
	opens   int
	conns   []*fakeConn
	targets []transport.Target
}

func (t *fakeTransport) Kind() transport.Kind {
	if t.kind == "" {
		return transport.KindDirect
	}
	return t.kind
}

func (t *fakeTransport) Open(_ context.Context, target transport.Target) (transport.Conn, error) {
	t.mu.Lock()
	t.opens++
	n := t.opens
	t.targets = append(t.targets, target)
	if t.openErr != nil {
		t.mu.Unlock()
		return nil, t.openErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	t.mu.Unlock()

	if t.script != nil {
		go t.script(n, c)
	}
	return c, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

// topicHost assigns a fixed stream id per topic and publishes scripted
// frames onto the bus before answering StartRelay.
type topicHost struct {
	bus     bus.Bus
	streams map[string]string
	early   map[string][]transport.Frame

	mu    sync.Mutex
	stops []string
}

func (h *topicHost) StartRelay(ctx context.Context, req relay.StartRequest) (string, error) {
	for _, f := range h.early[req.TopicKey] {
		if err := h.bus.Publish(ctx, f); err != nil {
			return "", err
		}
	}
	return h.streams[req.TopicKey], nil
}

func (h *topicHost) StopRelay(_ context.Context, streamID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, streamID)
	return nil
}

func (h *topicHost) stopped() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stops...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 10 * time.Millisecond
	return cfg
}

func eventFrame(streamID, topicKey, typ string, n int) transport.Frame {
	payload, _ := json.Marshal(map[string]any{
		"type":       typ,
		"properties": map[string]any{"n": n},
	})
	return transport.Frame{StreamID: streamID, TopicKey: topicKey, Payload: payload}
}

func seqOf(ev model.Event) int {
	return int(ev.Properties["n"].(float64))
}

func nextEvent(t *testing.T, s *Subscription) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

// statusLog records status callbacks.
type statusLog struct {
	mu      sync.Mutex
	changes []model.StatusChange
}

func (l *statusLog) record(c model.StatusChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *statusLog) statuses() []model.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Status, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.Status
	}
	return out
}

func (l *statusLog) last() model.StatusChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changes) == 0 {
		return model.StatusChange{}
	}
	return l.changes[len(l.changes)-1]
}

func waitDone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not finish")
	}
}
