package model

// Status is the caller-visible connection state of a subscription.
type Status int

const (
	// StatusConnecting means a transport connection is being opened.
	StatusConnecting Status = iota
	// StatusConnected means the stream id is known and events flow.
	StatusConnected
	// StatusDisconnected means the connection dropped and a retry is pending,
	// or the subscription was closed by the caller.
	StatusDisconnected
	// StatusError is terminal: no further connection attempts are made.
	StatusError
)

// String returns the lower-case wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusChange is reported to status callbacks. Reason is set for
// StatusError and, when known, for StatusDisconnected.
type StatusChange struct {
	Status Status
	Reason string
}
