package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when the token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTarget is returned for malformed targets or endpoints.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrStreamClosed is reported when the remote side ends the stream.
	ErrStreamClosed = errors.New("stream closed by remote")
	// ErrBusClosed is reported when the shared bus subscription ends.
	ErrBusClosed = errors.New("event bus subscription closed")
)

// HTTPError is a non-success HTTP response from a stream endpoint or host.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Retryable reports whether the status is worth retrying.
func (e *HTTPError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// StatusError maps an HTTP status to the transport error taxonomy.
func StatusError(code int, message string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, &HTTPError{StatusCode: code, Message: message})
	default:
		return &HTTPError{StatusCode: code, Message: message}
	}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidTarget) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Retryable()
	}
	return false
}
