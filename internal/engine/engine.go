// Package engine is the subscription engine: it turns a transport into
// per-topic event subscriptions with routing, decoding, filtering and
// automatic reconnection.
//
// Each Subscription runs one supervisor goroutine that owns its transport
// connection, its demultiplexer and its status. Callers consume events with
// Next / Events, or by passing Options.OnEvent.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/syntrixbase/agentfeed/internal/consumer"
	"github.com/syntrixbase/agentfeed/internal/decoder"
	"github.com/syntrixbase/agentfeed/internal/demux"
	"github.com/syntrixbase/agentfeed/internal/filter"
	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRand overrides the jitter source. rnd must return values in [0, 1).
func WithRand(rnd func() float64) EngineOption {
	return func(e *Engine) {
		if rnd != nil {
			e.rnd = rnd
		}
	}
}

// Engine creates and tracks subscriptions over one transport.
type Engine struct {
	cfg     Config
	tr      transport.Transport
	decoder *decoder.Decoder
	filters *filter.Compiler
	logger  *slog.Logger
	base    *slog.Logger
	rnd     func() float64

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New creates an engine. cfg is completed with defaults and validated.
func New(cfg Config, tr transport.Transport, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if tr == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	if cfg.Transport == "" {
		cfg.Transport = tr.Kind()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport != tr.Kind() {
		return nil, fmt.Errorf("engine configured for %q transport but got %q", cfg.Transport, tr.Kind())
	}

	filters, err := filter.NewCompiler()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		tr:      tr,
		decoder: decoder.New(cfg.FallbackEventType),
		filters: filters,
		logger:  logger.With("component", "engine", "transport", string(tr.Kind())),
		base:    logger,
		rnd:     rand.Float64,
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Subscribe starts a subscription for topicKey and waits until its first
// connection is established. It fails on a terminal error (bad token,
// exhausted retries) or when ctx ends; in that case no subscription is left
// running.
func (e *Engine) Subscribe(ctx context.Context, topicKey, token string, opts Options) (*Subscription, error) {
	if strings.TrimSpace(topicKey) == "" {
		return nil, model.ErrInvalidTopic
	}
	f, err := e.filters.Compile(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	s := e.newSubscription(topicKey, token, opts, f)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, model.ErrClosed
	}
	e.subs[s.id] = s
	e.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	s.logger.Debug("Subscribing")
	go s.supervise()
	if s.pump != nil {
		go s.pump.Run(context.Background())
	}

	select {
	case <-s.ready:
		return s, nil
	case <-s.done:
		select {
		case <-s.ready:
			// Connected before failing; the caller reads Err.
			return s, nil
		default:
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, model.ErrClosed
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (e *Engine) newSubscription(topicKey, token string, opts Options, f *filter.Filter) *Subscription {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("subscriptionId", id, "topicKey", topicKey)

	s := &Subscription{
		id:       id,
		topicKey: topicKey,
		token:    token,
		opts:     opts,
		engine:   e,
		filter:   f,
		queue:    consumer.NewQueue(e.cfg.QueueSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.iter = consumer.NewIterator(s.queue)
	s.demux = demux.New(topicKey, s.deliver,
		demux.WithMaxPending(e.cfg.MaxPending),
		demux.WithLogger(e.base.With("subscriptionId", id)),
	)
	if opts.OnEvent != nil {
		s.pump = consumer.NewPump(s.queue, opts.OnEvent, logger)
	}
	return s
}

// Unsubscribe closes sub. It is idempotent and does not block.
func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
}

// Subscriptions returns the live subscriptions.
func (e *Engine) Subscriptions() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	return out
}

// Close closes every subscription and waits for their supervisors to exit.
// Subscribe fails with model.ErrClosed afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for _, s := range subs {
		<-s.Done()
	}
}

func (e *Engine) remove(s *Subscription) {
	e.mu.Lock()
	delete(e.subs, s.id)
	e.mu.Unlock()
}
