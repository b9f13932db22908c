// Package consumer implements event delivery to a single subscription
// consumer: one bounded queue, with a pull adapter (Iterator) and a push
// adapter (Pump) on top of it.
package consumer

import (
	"context"
	"io"
	"sync"

	"github.com/syntrixbase/agentfeed/pkg/model"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 256

// Queue is a bounded FIFO of events with one writer and one reader.
//
// Push blocks while the queue is full. Close discards buffered events and
// makes every pending and future Pop return io.EOF. Finish ends input but
// lets the reader drain what is buffered before io.EOF.
type Queue struct {
	mu   sync.Mutex
	buf  []model.Event // ring buffer
	head int
	n    int

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
	finished chan struct{}
	once     sync.Once
	finOnce  sync.Once
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:      make([]model.Event, capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Push appends ev, waiting for room if the queue is full. It returns
// model.ErrClosed after Close and the context error if ctx ends first.
func (q *Queue) Push(ctx context.Context, ev model.Event) error {
	for {
		q.mu.Lock()
		if q.isClosed() || q.isFinished() {
			q.mu.Unlock()
			return model.ErrClosed
		}
		if q.n < len(q.buf) {
			q.buf[(q.head+q.n)%len(q.buf)] = ev
			q.n++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.finished:
		case <-q.closed:
			return model.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest event, waiting for one if the queue is empty.
// It returns io.EOF once the queue is closed, even if events were buffered,
// and once a finished queue is empty.
func (q *Queue) Pop(ctx context.Context) (model.Event, error) {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return model.Event{}, io.EOF
		}
		if q.n > 0 {
			ev := q.popLocked()
			q.mu.Unlock()
			signal(q.notFull)
			return ev, nil
		}
		if q.isFinished() {
			q.mu.Unlock()
			return model.Event{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.finished:
		case <-q.closed:
			return model.Event{}, io.EOF
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() model.Event {
	ev := q.buf[q.head]
	q.buf[q.head] = model.Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return ev
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close discards buffered events and wakes any waiter. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		clear(q.buf)
		q.head, q.n = 0, 0
		close(q.closed)
		q.mu.Unlock()
	})
}

// Finish stops accepting events. Buffered events remain readable. Idempotent.
func (q *Queue) Finish() {
	q.finOnce.Do(func() {
		q.mu.Lock()
		close(q.finished)
		q.mu.Unlock()
	})
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.closed }

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) isFinished() bool {
	select {
	case <-q.finished:
		return true
	default:
		return false
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
