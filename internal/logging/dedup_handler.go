package logging

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RepeatedKey is the attribute carrying the number of suppressed duplicates
// on a summary record.
const RepeatedKey = "repeated"

// DedupHandlerConfig holds configuration for DedupHandler
type DedupHandlerConfig struct {
	// Window is how long identical records are collapsed after the first one (default: 1s)
	Window time.Duration
	// MaxEntries bounds the tracked records; past it records pass through (default: 1000)
	MaxEntries int
}

// DefaultDedupHandlerConfig returns default configuration
func DefaultDedupHandlerConfig() DedupHandlerConfig {
	return DedupHandlerConfig{
		Window:     time.Second,
		MaxEntries: 1000,
	}
}

// DedupHandler collapses identical records (same level, message and
// attributes, ignoring time) logged within a window. The first record is
// written immediately; repeats are counted and summarized once the window
// closes, with a RepeatedKey attribute. Handlers derived through WithAttrs
// and WithGroup share the window state but never merge each other's records.
type DedupHandler struct {
	handler slog.Handler
	scope   uint64
	state   *dedupState
}

type dedupState struct {
	mu      sync.Mutex
	entries map[uint64]*dedupEntry
	cfg     DedupHandlerConfig
	now     func() time.Time
	scopes  atomic.Uint64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type dedupEntry struct {
	handler slog.Handler
	record  slog.Record
	first   time.Time
	repeats int
}

// NewDedupHandler creates a new deduplicating handler with default config
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	return NewDedupHandlerWithConfig(handler, DefaultDedupHandlerConfig())
}

// NewDedupHandlerWithConfig creates a new deduplicating handler with custom config
func NewDedupHandlerWithConfig(handler slog.Handler, cfg DedupHandlerConfig) *DedupHandler {
	return newDedupHandler(handler, cfg, time.Now)
}

func newDedupHandler(handler slog.Handler, cfg DedupHandlerConfig, now func() time.Time) *DedupHandler {
	d := DefaultDedupHandlerConfig()
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	st := &dedupState{
		entries: make(map[uint64]*dedupEntry),
		cfg:     cfg,
		now:     now,
		stop:    make(chan struct{}),
	}
	st.wg.Add(1)
	go st.sweepLoop()
	return &DedupHandler{handler: handler, state: st}
}

// Enabled reports whether the handler handles records at the given level.
func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle writes the first occurrence of a record and counts the repeats.
func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.hashRecord(r)
	st := h.state
	now := st.now()

	st.mu.Lock()
	var expired *dedupEntry
	if e, ok := st.entries[key]; ok {
		if now.Sub(e.first) < st.cfg.Window {
			e.repeats++
			e.record = r.Clone()
			st.mu.Unlock()
			return nil
		}
		delete(st.entries, key)
		expired = e
	}
	if len(st.entries) < st.cfg.MaxEntries {
		st.entries[key] = &dedupEntry{handler: h.handler, record: r.Clone(), first: now}
	}
	st.mu.Unlock()

	if expired != nil {
		expired.summarize()
	}
	return h.handler.Handle(ctx, r)
}

// hashRecord hashes the handler scope, level, message and attributes.
func (h *DedupHandler) hashRecord(r slog.Record) uint64 {
	d := xxhash.New()
	var scope [8]byte
	binary.LittleEndian.PutUint64(scope[:], h.scope)
	_, _ = d.Write(scope[:])
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.Resolve().String())
		return true
	})
	return d.Sum64()
}

// summarize writes the last suppressed record with its repeat count.
func (e *dedupEntry) summarize() {
	if e.repeats == 0 {
		return
	}
	r := e.record.Clone()
	r.AddAttrs(slog.Int(RepeatedKey, e.repeats))
	_ = e.handler.Handle(context.Background(), r)
}

func (st *dedupState) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep(false)
		case <-st.stop:
			st.sweep(true)
			return
		}
	}
}

// sweep drops closed windows and writes their summaries outside the lock,
// so the wrapped handler may log without deadlocking.
func (st *dedupState) sweep(all bool) {
	now := st.now()
	var closed []*dedupEntry

	st.mu.Lock()
	for key, e := range st.entries {
		if all || now.Sub(e.first) >= st.cfg.Window {
			delete(st.entries, key)
			closed = append(closed, e)
		}
	}
	st.mu.Unlock()

	for _, e := range closed {
		e.summarize()
	}
}

// WithAttrs returns a handler sharing the window state under a new scope.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &DedupHandler{
		handler: h.handler.WithAttrs(attrs),
		scope:   h.state.scopes.Add(1),
		state:   h.state,
	}
}

// WithGroup returns a handler sharing the window state under a new scope.
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DedupHandler{
		handler: h.handler.WithGroup(name),
		scope:   h.state.scopes.Add(1),
		state:   h.state,
	}
}

// Close stops the sweeper and writes every pending summary. It is safe to
// call more than once.
func (h *DedupHandler) Close() error {
	h.state.closeOnce.Do(func() {
		close(h.state.stop)
	})
	h.state.wg.Wait()
	return nil
}
