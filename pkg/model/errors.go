package model

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed subscription or engine.
	ErrClosed = errors.New("subscription closed")
	// ErrReconnectExhausted marks a subscription that gave up reconnecting.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrInvalidTopic is returned when a subscribe call has an empty topic key.
	ErrInvalidTopic = errors.New("invalid topic key")
	// ErrCanceled is returned when the caller's context ends an operation.
	ErrCanceled = errors.New("operation canceled")
)

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCanceled)
}
