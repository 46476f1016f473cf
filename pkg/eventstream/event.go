package eventstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeSessionOpened is emitted after a login or register succeeds.
	EventTypeSessionOpened = "chatbridge.session.opened"

	// EventTypeSessionClosed is emitted once a session is torn down.
	EventTypeSessionClosed = "chatbridge.session.closed"

	// EventTypeCommandSent is emitted for every command written upstream on
	// behalf of a session.
	EventTypeCommandSent = "chatbridge.command.sent"

	// EventTypeMessagePushed is emitted for every upstream message broadcast
	// to a session's subscribers.
	EventTypeMessagePushed = "chatbridge.message.pushed"
)

// Event is a transport-neutral record of bridge activity.
type Event struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Source        EventSource     `json:"source"`
	Username      string          `json:"username,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// EventSource identifies the bridge instance and the backend it fronts.
type EventSource struct {
	Bridge   string `json:"bridge,omitempty"`
	Upstream string `json:"upstream,omitempty"`
}

// NewEvent builds an Event with a fresh ID. payload is encoded as JSON; a
// json.RawMessage is used as is.
func NewEvent(eventType, username string, payload any) (*Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
		}
		raw = b
	}

	return &Event{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Username:      username,
		Payload:       raw,
	}, nil
}

// SessionPayload is the payload of session events.
type SessionPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// CommandPayload is the payload of command events.
type CommandPayload struct {
	Session string `json:"session"`
	Command string `json:"command"`
	Path    string `json:"path,omitempty"`
}
