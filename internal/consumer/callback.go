package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/agentfeed/pkg/model"
)

// EventHandler is invoked once per event, in delivery order.
type EventHandler func(model.Event)

// Pump is the push-based consumer: it drains a queue and invokes a handler
// synchronously for each event on its own goroutine.
type Pump struct {
	it      *Iterator
	handler EventHandler
	logger  *slog.Logger
	done    chan struct{}
}

// NewPump creates a pump over q. Call Run to start it.
func NewPump(q *Queue, handler EventHandler, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		it:      NewIterator(q),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run delivers events until the queue closes or ctx ends.
func (p *Pump) Run(ctx context.Context) {
	defer close(p.done)
	for {
		ev, err := p.it.Next(ctx)
		if err != nil {
			return
		}
		p.invoke(ev)
	}
}

// Done is closed when Run returns.
func (p *Pump) Done() <-chan struct{} { return p.done }

func (p *Pump) invoke(ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Event handler panicked", "eventType", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	p.handler(ev)
}
