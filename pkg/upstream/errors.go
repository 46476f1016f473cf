package upstream

import "errors"

var (
	// ErrTimeout is returned when no matching reply arrives before the deadline.
	ErrTimeout = errors.New("timeout waiting for upstream reply")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("upstream connection closed")

	// ErrRequestInFlight is returned when a correlated request or receive is
	// already outstanding on the connection.
	ErrRequestInFlight = errors.New("correlated request already in flight")

	// ErrAlreadyListening is returned by Listen when a listener is attached.
	ErrAlreadyListening = errors.New("connection already has a listener")

	// ErrStreaming is returned by Receive once the connection has switched
	// to continuous listening; direct reads would steal lines from the listener.
	ErrStreaming = errors.New("connection is in streaming mode")
)
