package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// fakeHost publishes a scripted set of frames onto the bus before it
// answers StartRelay.
type fakeHost struct {
	bus      bus.Bus
	streamID string
	early    []transport.Frame
	startErr error
	block    chan struct{}

	mu      sync.Mutex
	starts  []StartRequest
	stops   []string
	stopErr error
}

func (h *fakeHost) StartRelay(ctx context.Context, req StartRequest) (string, error) {
	h.mu.Lock()
	h.starts = append(h.starts, req)
	h.mu.Unlock()

	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, f := range h.early {
		if err := h.bus.Publish(ctx, f); err != nil {
			return "", err
		}
	}
	if h.startErr != nil {
		return "", h.startErr
	}
	return h.streamID, nil
}

func (h *fakeHost) StopRelay(_ context.Context, streamID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, streamID)
	return h.stopErr
}

func (h *fakeHost) stopCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stops...)
}

func next(t *testing.T, c transport.Conn) transport.Signal {
	t.Helper()
	select {
	case sig, ok := <-c.Signals():
		require.True(t, ok, "signal channel closed")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return transport.Signal{}
}

func newRelay(t *testing.T, host *fakeHost) (*Transport, *bus.Memory) {
	t.Helper()
	b := bus.NewMemory(nil)
	host.bus = b
	tr, err := New(Config{}, b, host, nil)
	require.NoError(t, err)
	return tr, b
}

func TestNew_RequiresBusAndHost(t *testing.T) {
	_, err := New(Config{}, nil, &fakeHost{}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, bus.NewMemory(nil), nil, nil)
	assert.Error(t, err)
}

func TestOpen_Validation(t *testing.T) {
	tr, b := newRelay(t, &fakeHost{streamID: "st"})
	defer b.Close()
	assert.Equal(t, transport.KindRelayed, tr.Kind())

	_, err := tr.Open(context.Background(), transport.Target{Token: "tok"})
	assert.ErrorIs(t, err, transport.ErrInvalidTarget)
	_, err = tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1"})
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, 0, b.Len())
}

func TestOpen_EarlyFramesPrecedeOpen(t *testing.T) {
	host := &fakeHost{
		streamID: "S1",
		early: []transport.Frame{
			{StreamID: "S1", TopicKey: "sbx-1", Payload: []byte("e1")},
			{StreamID: "S9", TopicKey: "sbx-2", Payload: []byte("foreign")},
			{StreamID: "S1", TopicKey: "sbx-1", Payload: []byte("e2")},
		},
	}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok", Params: map[string]string{"directory": "/w"}})
	require.NoError(t, err)
	defer c.Close()

	s1 := next(t, c)
	require.Equal(t, transport.SignalFrame, s1.Kind)
	assert.Equal(t, "e1", string(s1.Frame.Payload))
	s2 := next(t, c)
	require.Equal(t, transport.SignalFrame, s2.Kind)
	assert.Equal(t, "e2", string(s2.Frame.Payload))

	open := next(t, c)
	require.Equal(t, transport.SignalOpen, open.Kind)
	assert.Equal(t, "S1", open.StreamID)

	require.NoError(t, b.Publish(context.Background(), transport.Frame{StreamID: "S1", TopicKey: "sbx-1", Payload: []byte("e3")}))
	s3 := next(t, c)
	assert.Equal(t, "e3", string(s3.Frame.Payload))

	host.mu.Lock()
	require.Len(t, host.starts, 1)
	assert.Equal(t, "sbx-1", host.starts[0].TopicKey)
	assert.Equal(t, "tok", host.starts[0].Token)
	assert.Equal(t, "/w", host.starts[0].Params["directory"])
	assert.NotEmpty(t, host.starts[0].RequestID)
	host.mu.Unlock()
}

func TestOpen_ControlFrames(t *testing.T) {
	tests := []struct {
		name      string
		frame     transport.Frame
		wantIs    error
		wantFatal bool
	}{
		{
			name:   "relay error",
			frame:  transport.Frame{StreamID: "S1", TopicKey: "sbx-1", EventType: EventRelayError, Payload: []byte(`{"message":"upstream reset"}`)},
			wantIs: ErrRelay,
		},
		{
			name:   "relay closed",
			frame:  transport.Frame{StreamID: "S1", TopicKey: "sbx-1", EventType: EventRelayClosed},
			wantIs: transport.ErrStreamClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, b := newRelay(t, &fakeHost{streamID: "S1"})
			defer b.Close()

			c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
			require.NoError(t, err)
			defer c.Close()
			require.Equal(t, transport.SignalOpen, next(t, c).Kind)

			require.NoError(t, b.Publish(context.Background(), tt.frame))
			sig := next(t, c)
			require.Equal(t, transport.SignalError, sig.Kind)
			assert.ErrorIs(t, sig.Err, tt.wantIs)
			assert.Equal(t, tt.wantFatal, transport.IsFatal(sig.Err))
		})
	}
}

func TestOpen_EarlyControlFrame(t *testing.T) {
	host := &fakeHost{
		streamID: "S7",
		early: []transport.Frame{
			{StreamID: "S7", TopicKey: "sbx-1", Payload: []byte("e1")},
			{StreamID: "S7", TopicKey: "sbx-1", EventType: EventRelayClosed},
			{StreamID: "S7", TopicKey: "sbx-1", Payload: []byte("after")},
		},
	}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)
	defer c.Close()

	s1 := next(t, c)
	require.Equal(t, transport.SignalFrame, s1.Kind)
	assert.Equal(t, "e1", string(s1.Frame.Payload))

	open := next(t, c)
	require.Equal(t, transport.SignalOpen, open.Kind)
	assert.Equal(t, "S7", open.StreamID)

	sig := next(t, c)
	require.Equal(t, transport.SignalError, sig.Kind)
	assert.ErrorIs(t, sig.Err, transport.ErrStreamClosed)

	select {
	case _, ok := <-c.Signals():
		assert.False(t, ok, "no signals after the control frame")
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel not closed")
	}
}

func TestOpen_EarlyControlFrameOfOtherStream(t *testing.T) {
	host := &fakeHost{
		streamID: "S1",
		early: []transport.Frame{
			{StreamID: "S0", EventType: EventRelayClosed},
			{StreamID: "S1", TopicKey: "sbx-1", Payload: []byte("e1")},
		},
	}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)
	defer c.Close()

	s1 := next(t, c)
	require.Equal(t, transport.SignalFrame, s1.Kind)
	assert.Equal(t, "S0", s1.Frame.StreamID)
	s2 := next(t, c)
	require.Equal(t, transport.SignalFrame, s2.Kind)
	assert.Equal(t, "e1", string(s2.Frame.Payload))
	assert.Equal(t, transport.SignalOpen, next(t, c).Kind)
}

func TestOpen_ControlFrameOfOtherStreamIsForwarded(t *testing.T) {
	tr, b := newRelay(t, &fakeHost{streamID: "S1"})
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, transport.SignalOpen, next(t, c).Kind)

	require.NoError(t, b.Publish(context.Background(), transport.Frame{StreamID: "S0", EventType: EventRelayClosed}))
	assert.Equal(t, transport.SignalFrame, next(t, c).Kind)
}

func TestOpen_StartFailure(t *testing.T) {
	host := &fakeHost{startErr: transport.StatusError(401, "bad token")}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)

	sig := next(t, c)
	require.Equal(t, transport.SignalError, sig.Kind)
	assert.True(t, transport.IsFatal(sig.Err))

	require.NoError(t, c.Close())
	assert.Empty(t, host.stopCalls())
	assert.Equal(t, 0, b.Len())
}

func TestOpen_BusClosed(t *testing.T) {
	tr, b := newRelay(t, &fakeHost{streamID: "S1"})
	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, transport.SignalOpen, next(t, c).Kind)

	b.Close()
	sig := next(t, c)
	require.Equal(t, transport.SignalError, sig.Kind)
	assert.ErrorIs(t, sig.Err, transport.ErrBusClosed)

	_, err = tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	assert.ErrorIs(t, err, transport.ErrBusClosed)
}

func TestConn_CloseStopsRelayOnce(t *testing.T) {
	host := &fakeHost{streamID: "S1", stopErr: errors.New("host gone")}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, transport.SignalOpen, next(t, c).Kind)

	assert.Error(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, []string{"S1"}, host.stopCalls())
	assert.Equal(t, 0, b.Len())

	// The shared bus stays usable for other subscriptions.
	assert.NoError(t, b.Publish(context.Background(), transport.Frame{TopicKey: "sbx-1"}))
	_, err = b.Subscribe(nil, 1)
	assert.NoError(t, err)
}

func TestConn_CloseDuringStart(t *testing.T) {
	host := &fakeHost{streamID: "S1", block: make(chan struct{})}
	tr, b := newRelay(t, host)
	defer b.Close()

	c, err := tr.Open(context.Background(), transport.Target{TopicKey: "sbx-1", Token: "tok"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a pending start")
	}
	assert.Empty(t, host.stopCalls())
	for range c.Signals() {
	}
}
