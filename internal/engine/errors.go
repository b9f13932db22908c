package engine

import (
	"fmt"

	"github.com/syntrixbase/agentfeed/pkg/model"
)

// ReconnectExhaustedError is the terminal error of a subscription that
// failed more consecutive times than the configured limit.
type ReconnectExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", model.ErrReconnectExhausted, e.Attempts, e.Last)
}

// Unwrap exposes both model.ErrReconnectExhausted and the last cause.
func (e *ReconnectExhaustedError) Unwrap() []error {
	return []error{model.ErrReconnectExhausted, e.Last}
}
