package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode"
)

// ComponentKey is the attribute TextHandler lifts into the line prefix.
const ComponentKey = "component"

const textTimeFormat = "15:04:05.000"

// TextHandler writes compact single-line records for a terminal.
// Format: <TIME> <LEVEL> [<component>] <MSG> <attributes>
// Example: 10:30:00.125 WARN  [engine] Reconnecting topicKey=abc attempt=2
type TextHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	level     slog.Leveler
	component string
	prefix    string // pre-rendered handler attributes
	groups    string // dotted group prefix for attributes added later
}

// NewTextHandler creates a new text handler.
func NewTextHandler(w io.Writer, opts *slog.HandlerOptions) *TextHandler {
	h := &TextHandler{
		w:     w,
		mu:    &sync.Mutex{},
		level: slog.LevelInfo,
	}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

// Enabled reports whether the handler handles records at the given level.
func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes the record.
func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = t.AppendFormat(buf, textTimeFormat)
	buf = append(buf, ' ')
	buf = appendLevel(buf, r.Level)

	component := h.component
	var attrs []byte
	r.Attrs(func(a slog.Attr) bool {
		if h.groups == "" && a.Key == ComponentKey {
			component = a.Value.String()
			return true
		}
		attrs = appendAttr(attrs, h.groups, a)
		return true
	})

	if component != "" {
		buf = append(buf, '[')
		buf = append(buf, component...)
		buf = append(buf, "] "...)
	}
	buf = append(buf, r.Message...)
	buf = append(buf, h.prefix...)
	buf = append(buf, attrs...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a new handler with additional attributes.
func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	prefix := []byte(h.prefix)
	for _, a := range attrs {
		if h.groups == "" && a.Key == ComponentKey {
			h2.component = a.Value.String()
			continue
		}
		prefix = appendAttr(prefix, h.groups, a)
	}
	h2.prefix = string(prefix)
	return &h2
}

// WithGroup returns a new handler with a group name appended.
func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = h.groups + name + "."
	return &h2
}

func appendLevel(buf []byte, l slog.Level) []byte {
	s := l.String()
	buf = append(buf, s...)
	for i := len(s); i < 5; i++ {
		buf = append(buf, ' ')
	}
	return append(buf, ' ')
}

func appendAttr(buf []byte, groups string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := groups
		if a.Key != "" {
			inner = groups + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, inner, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, groups...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		return appendString(buf, v.String())
	}
}

// appendString quotes s when it is empty or holds spaces, quotes or
// control characters.
func appendString(buf []byte, s string) []byte {
	if s == "" {
		return append(buf, `""`...)
	}
	for _, r := range s {
		if r == '"' || r == '=' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return strconv.AppendQuote(buf, s)
		}
	}
	return append(buf, s...)
}
