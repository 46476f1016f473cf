// Package nop provides the publisher used when no event stream is
// configured.
package nop

import (
	"context"
	"sync/atomic"

	"github.com/papercomputeco/chatbridge/pkg/eventstream"
)

// Publisher discards events. It counts what it discarded so tests and
// disabled deployments can still observe the event flow.
type Publisher struct {
	discarded atomic.Int64
	closed    atomic.Bool
}

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish validates the event and drops it.
func (p *Publisher) Publish(_ context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	if p.closed.Load() {
		return eventstream.ErrPublisherClosed
	}

	p.discarded.Add(1)
	return nil
}

// Discarded returns the number of events accepted and dropped.
func (p *Publisher) Discarded() int64 {
	return p.discarded.Load()
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
