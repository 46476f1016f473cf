// Package sse writes and reads Server-Sent Events frames.
//
// The bridge writes one "data:" frame per chat message and periodic comment
// frames as keep-alives. Reader parses such a stream back into events, which
// is what the bridge's own tests and CLI diagnostics consume.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

// Event represents a single parsed SSE event, delimited by a blank line
// in the byte stream.
type Event struct {
	// Type is the SSE event type from the "event:" field.
	// An empty string means the default "message" type per the SSE spec.
	Type string

	// Data is the concatenated contents of all "data:" lines for this event,
	// joined with "\n".
	Data string

	// ID is the last event ID from the "id:" field, if present.
	ID string

	// Comment holds the text of a comment-only frame such as a keep-alive.
	// It is empty for events carrying fields.
	Comment string
}

// IsComment reports whether the event is a comment-only frame.
func (e *Event) IsComment() bool {
	return e.Comment != "" && e.Data == "" && e.Type == "" && e.ID == ""
}
