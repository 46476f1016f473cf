package eventstream

import "context"

// Publisher publishes bridge events to an event stream backend. Publish is
// called from the bridge's worker goroutines and must be safe for
// concurrent use. Publish after Close returns ErrPublisherClosed.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
