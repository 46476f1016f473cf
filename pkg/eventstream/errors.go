package eventstream

import "errors"

var (
	// ErrNilEvent indicates a nil event was provided to a publisher.
	ErrNilEvent = errors.New("nil event")

	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher closed")
)
