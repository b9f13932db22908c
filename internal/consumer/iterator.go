package consumer

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/syntrixbase/agentfeed/pkg/model"
)

// Iterator is the pull-based consumer.
//
// At most one Next call may be outstanding at a time; concurrent calls are
// a programming error and their interleaving is undefined.
type Iterator struct {
	q *Queue
}

// NewIterator wraps q.
func NewIterator(q *Queue) *Iterator {
	return &Iterator{q: q}
}

// Next returns the next event. An already buffered event is returned
// without blocking. At end of stream Next returns io.EOF.
func (it *Iterator) Next(ctx context.Context) (model.Event, error) {
	return it.q.Pop(ctx)
}

// All returns a range-over-func sequence of events. The sequence stops at
// end of stream, when ctx ends or when the loop body breaks.
func (it *Iterator) All(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for {
			ev, err := it.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// IsEndOfStream reports whether err marks the normal end of an event stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
