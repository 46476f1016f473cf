package bridge

import (
	"time"

	"github.com/papercomputeco/chatbridge/pkg/upstream"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultListenAddr        = ":3000"
	DefaultUpstreamAddr      = "localhost:12345"
	DefaultCORSOrigins       = "*"
	DefaultLoginTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStreamBufferSize  = 64
	DefaultDisconnectGrace   = 200 * time.Millisecond
	DefaultShutdownTimeout   = 5 * time.Second
)

// Config is the bridge server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":3000")
	ListenAddr string

	// UpstreamAddr is the chat server TCP address (e.g., "localhost:12345")
	UpstreamAddr string

	// CORSOrigins is a comma separated list of allowed origins, "*" for any.
	CORSOrigins string

	// RequestTimeout bounds correlated requests such as chat history.
	RequestTimeout time.Duration

	// LoginTimeout bounds the whole connect, greeting and login exchange.
	LoginTimeout time.Duration

	// WriteTimeout bounds a single write to the chat server.
	WriteTimeout time.Duration

	// MaxLineBytes bounds an unterminated line from the chat server.
	MaxLineBytes int

	// HeartbeatInterval is how often idle message streams get a keep-alive.
	HeartbeatInterval time.Duration

	// StreamBufferSize is the number of events a slow message stream may
	// fall behind before it is dropped.
	StreamBufferSize int

	// DisconnectGrace is how long a disconnect waits for the chat server's
	// last notifications before closing the connection. Zero means
	// DefaultDisconnectGrace; a negative value disables the wait.
	DisconnectGrace time.Duration

	// ShutdownTimeout bounds the HTTP server shutdown.
	ShutdownTimeout time.Duration

	// InstanceName is stamped on published events.
	InstanceName string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.UpstreamAddr == "" {
		c.UpstreamAddr = DefaultUpstreamAddr
	}
	if c.CORSOrigins == "" {
		c.CORSOrigins = DefaultCORSOrigins
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = upstream.DefaultRequestTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = upstream.DefaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = DefaultStreamBufferSize
	}
	switch {
	case c.DisconnectGrace == 0:
		c.DisconnectGrace = DefaultDisconnectGrace
	case c.DisconnectGrace < 0:
		c.DisconnectGrace = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}
