// Package model holds the public types shared by the agentfeed engine and
// its callers: decoded events, connection status values and sentinel errors.
package model

// Event is one decoded entry of an agent's event feed.
// Events carry no ordering field; order is the arrival order on the transport.
type Event struct {
	// Type is the event tag, e.g. "message.part.updated". The engine treats it
	// as an opaque pass-through value.
	Type string `json:"type"`

	// Properties is the event body as sent by the agent.
	Properties map[string]any `json:"properties"`
}

// Known event tags emitted by the coding agent. The list is informational:
// unknown tags are delivered the same way as known ones.
const (
	EventServerConnected = "server.connected"
	EventServerHeartbeat = "server.heartbeat"

	EventSessionCreated   = "session.created"
	EventSessionUpdated   = "session.updated"
	EventSessionDeleted   = "session.deleted"
	EventSessionIdle      = "session.idle"
	EventSessionStatus    = "session.status"
	EventSessionDiff      = "session.diff"
	EventSessionError     = "session.error"
	EventSessionCompacted = "session.compacted"

	EventMessageUpdated     = "message.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartUpdated = "message.part.updated"
	EventMessagePartRemoved = "message.part.removed"

	EventPermissionUpdated = "permission.updated"
	EventPermissionReplied = "permission.replied"

	EventFileEdited         = "file.edited"
	EventFileWatcherUpdated = "file.watcher.updated"

	EventPtyCreated = "pty.created"
	EventPtyOutput  = "pty.output"
	EventPtyExited  = "pty.exited"

	EventLspDiagnostics = "lsp.client.diagnostics"
)

// Category returns the leading segment of an event tag ("session" for
// "session.updated"). Tags without a dot are their own category.
func (e Event) Category() string {
	for i := 0; i < len(e.Type); i++ {
		if e.Type[i] == '.' {
			return e.Type[:i]
		}
	}
	return e.Type
}
