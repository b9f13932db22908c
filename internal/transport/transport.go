// Package transport defines the adapter contract shared by every push
// transport the engine can consume.
//
// A Transport opens one connection per subscription attempt. The returned
// Conn reports everything through a single ordered channel of Signals:
// the open notification carrying the stream id, raw frames and errors.
// Keeping all three on one channel preserves their relative arrival order,
// which the demultiplexer depends on.
//
// Usage:
//
//	conn, err := tr.Open(ctx, transport.Target{TopicKey: "sbx-1", Token: tok})
//	if err != nil { ... } // fatal: bad target or missing token
//	defer conn.Close()
//	for sig := range conn.Signals() {
//	    switch sig.Kind { ... }
//	}
package transport

import (
	"context"
	"time"
)

// Kind names a transport implementation.
type Kind string

const (
	// KindDirect is a Server-Sent Events stream opened by this process.
	KindDirect Kind = "direct"
	// KindWebSocket is a WebSocket stream opened by this process.
	KindWebSocket Kind = "websocket"
	// KindRelayed is a stream relayed by a host process onto a shared bus.
	KindRelayed Kind = "relayed"
)

// Valid reports whether k names a known transport.
func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindWebSocket, KindRelayed:
		return true
	}
	return false
}

// Frame is a raw transport-level event before decoding.
type Frame struct {
	// StreamID is the transport-assigned stream identifier, empty when the
	// sender did not tag the frame.
	StreamID string

	// TopicKey is the caller-chosen topic the frame belongs to. Only the
	// relayed bus carries it; direct transports stamp their target's key.
	TopicKey string

	// EventType is the transport-level event name (SSE "event:" field).
	EventType string

	// Payload is the undecoded event body.
	Payload []byte
}

// SignalKind discriminates Signal values.
type SignalKind int

const (
	// SignalOpen reports that the connection is established and carries the
	// assigned stream id.
	SignalOpen SignalKind = iota + 1
	// SignalFrame carries one raw frame.
	SignalFrame
	// SignalError reports that the connection failed. No further signals
	// follow an error.
	SignalError
)

// String returns the signal kind name.
func (k SignalKind) String() string {
	switch k {
	case SignalOpen:
		return "open"
	case SignalFrame:
		return "frame"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

// Signal is one item on a connection's ordered signal channel.
type Signal struct {
	Kind     SignalKind
	StreamID string
	Frame    Frame
	Err      error

	// RetryAfter is an optional reconnect delay hint sent by the server
	// (SSE "retry:" field). Zero means no hint.
	RetryAfter time.Duration
}

// Open builds an open signal.
func Open(streamID string) Signal {
	return Signal{Kind: SignalOpen, StreamID: streamID}
}

// FrameSignal builds a frame signal.
func FrameSignal(f Frame) Signal {
	return Signal{Kind: SignalFrame, Frame: f}
}

// Failure builds an error signal.
func Failure(err error, retryAfter time.Duration) Signal {
	return Signal{Kind: SignalError, Err: err, RetryAfter: retryAfter}
}

// Target identifies the remote subscription endpoint.
type Target struct {
	// TopicKey is the caller-chosen subscription key, e.g. a sandbox id.
	TopicKey string

	// Token is the opaque bearer token. An empty token is a fatal error.
	Token string

	// Params are extra transport parameters (query string values for direct
	// transports, relay options for the relayed one).
	Params map[string]string
}

// Transport opens connections for subscriptions.
type Transport interface {
	// Open validates target and starts connecting in the background.
	// Validation failures are returned directly and are fatal; everything
	// that happens after Open returns is reported through Conn.Signals.
	Open(ctx context.Context, target Target) (Conn, error)

	// Kind returns the transport kind.
	Kind() Kind
}

// Conn is one live transport connection.
type Conn interface {
	// Signals returns the ordered signal channel. It is closed once the
	// connection's goroutines have exited.
	Signals() <-chan Signal

	// Close releases the underlying resource. It is idempotent and safe to
	// call from any state and any goroutine.
	Close() error
}
