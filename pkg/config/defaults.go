package config

const (
	defaultListen          = ":3000"
	defaultCORSOrigins     = "*"
	defaultDisconnectGrace = "200ms"

	defaultUpstreamAddress = "localhost:12345"
	defaultRequestTimeout  = "5s"
	defaultLoginTimeout    = "10s"
	defaultWriteTimeout    = "5s"
	defaultMaxLineBytes    = 1024 * 1024

	defaultHeartbeatInterval = "30s"
	defaultStreamBufferSize  = 64

	defaultEventStreamProvider = "nop"
	defaultEventStreamTopic    = "chatbridge.events"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Bridge: BridgeConfig{
			Listen:          defaultListen,
			CORSOrigins:     defaultCORSOrigins,
			DisconnectGrace: defaultDisconnectGrace,
		},
		Upstream: UpstreamConfig{
			Address:        defaultUpstreamAddress,
			RequestTimeout: defaultRequestTimeout,
			LoginTimeout:   defaultLoginTimeout,
			WriteTimeout:   defaultWriteTimeout,
			MaxLineBytes:   defaultMaxLineBytes,
		},
		Stream: StreamConfig{
			HeartbeatInterval: defaultHeartbeatInterval,
			BufferSize:        defaultStreamBufferSize,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultEventStreamTopic,
		},
	}
}
