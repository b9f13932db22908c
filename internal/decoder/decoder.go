// Package decoder turns raw transport frames into model.Event values.
//
// Wire format: a JSON object {"type": "...", "properties": {...}}. Frames
// whose payload has no "properties" key are treated as flat events: every
// top-level key except "type" becomes a property.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

// DefaultFallbackType labels events that carry no type at all.
const DefaultFallbackType = "unknown"

// sseDefaultEvent is the event name SSE assigns when the "event:" field is
// absent; it says nothing about the payload so it is not used as a type.
const sseDefaultEvent = "message"

var (
	// ErrEmptyPayload is returned for frames without a body.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrNotObject is returned when the payload is valid JSON but not an object.
	ErrNotObject = errors.New("payload is not a JSON object")
)

// DecodeError describes a frame that could not be decoded. The stream
// continues; callers log and drop the frame.
type DecodeError struct {
	Frame transport.Frame
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (stream=%q type=%q): %v", e.Frame.StreamID, e.Frame.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder is stateless; the zero value uses DefaultFallbackType.
type Decoder struct {
	FallbackType string
}

// New returns a decoder with the given fallback label.
func New(fallbackType string) *Decoder {
	return &Decoder{FallbackType: fallbackType}
}

type envelope struct {
	Type       *string         `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Decode parses one frame.
func (d *Decoder) Decode(f transport.Frame) (model.Event, error) {
	payload := bytes.TrimSpace(f.Payload)
	if len(payload) == 0 {
		return model.Event{}, &DecodeError{Frame: f, Err: ErrEmptyPayload}
	}
	if payload[0] != '{' {
		if json.Valid(payload) {
			return model.Event{}, &DecodeError{Frame: f, Err: ErrNotObject}
		}
		return model.Event{}, &DecodeError{Frame: f, Err: errors.New("invalid JSON")}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.Event{}, &DecodeError{Frame: f, Err: err}
	}

	ev := model.Event{Type: d.resolveType(env.Type, f.EventType)}

	switch {
	case len(env.Properties) > 0 && !bytes.Equal(env.Properties, []byte("null")):
		if err := json.Unmarshal(env.Properties, &ev.Properties); err != nil {
			return model.Event{}, &DecodeError{Frame: f, Err: fmt.Errorf("properties: %w", err)}
		}
	case env.Properties == nil:
		var flat map[string]any
		if err := json.Unmarshal(payload, &flat); err != nil {
			return model.Event{}, &DecodeError{Frame: f, Err: err}
		}
		delete(flat, "type")
		ev.Properties = flat
	}
	if ev.Properties == nil {
		ev.Properties = map[string]any{}
	}
	return ev, nil
}

func (d *Decoder) resolveType(payloadType *string, frameType string) string {
	if payloadType != nil && *payloadType != "" {
		return *payloadType
	}
	if frameType != "" && frameType != sseDefaultEvent {
		return frameType
	}
	if d.FallbackType != "" {
		return d.FallbackType
	}
	return DefaultFallbackType
}

// Encode renders ev in the wire format. Decode(Encode(ev)) == ev for events
// with a non-empty type and non-nil properties.
func Encode(ev model.Event) transport.Frame {
	props := ev.Properties
	if props == nil {
		props = map[string]any{}
	}
	payload, err := json.Marshal(struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}{Type: ev.Type, Properties: props})
	if err != nil {
		// Properties that cannot be marshaled are not part of the wire format.
		payload = []byte(fmt.Sprintf(`{"type":%q,"properties":{}}`, ev.Type))
	}
	return transport.Frame{EventType: ev.Type, Payload: payload}
}
