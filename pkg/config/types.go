package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent chatbridge configuration stored as
// config.toml in the .chatbridge/ directory. The TOML layout uses sections
// for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Stream      StreamConfig      `toml:"stream"`
	EventStream EventStreamConfig `toml:"eventstream"`
}

// BridgeConfig holds HTTP server settings.
type BridgeConfig struct {
	Listen          string `toml:"listen,omitempty"`
	CORSOrigins     string `toml:"cors_origins,omitempty"`
	DisconnectGrace string `toml:"disconnect_grace,omitempty"`
}

// UpstreamConfig holds settings for connections to the chat server.
// Durations use Go duration syntax (e.g. "5s").
type UpstreamConfig struct {
	Address        string `toml:"address,omitempty"`
	RequestTimeout string `toml:"request_timeout,omitempty"`
	LoginTimeout   string `toml:"login_timeout,omitempty"`
	WriteTimeout   string `toml:"write_timeout,omitempty"`
	MaxLineBytes   int    `toml:"max_line_bytes,omitempty"`
}

// StreamConfig holds message stream settings.
type StreamConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval,omitempty"`
	BufferSize        int    `toml:"buffer_size,omitempty"`
}

// EventStreamConfig holds settings for publishing bridge events.
type EventStreamConfig struct {
	Provider string `toml:"provider,omitempty"`
	Brokers  string `toml:"brokers,omitempty"`
	Topic    string `toml:"topic,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"bridge.listen": {
		get: func(c *Config) string { return c.Bridge.Listen },
		set: func(c *Config, v string) error { c.Bridge.Listen = v; return nil },
	},
	"bridge.cors_origins": {
		get: func(c *Config) string { return c.Bridge.CORSOrigins },
		set: func(c *Config, v string) error { c.Bridge.CORSOrigins = v; return nil },
	},
	"bridge.disconnect_grace": durationKey("bridge.disconnect_grace",
		func(c *Config) *string { return &c.Bridge.DisconnectGrace }),
	"upstream.address": {
		get: func(c *Config) string { return c.Upstream.Address },
		set: func(c *Config, v string) error { c.Upstream.Address = v; return nil },
	},
	"upstream.request_timeout": durationKey("upstream.request_timeout",
		func(c *Config) *string { return &c.Upstream.RequestTimeout }),
	"upstream.login_timeout": durationKey("upstream.login_timeout",
		func(c *Config) *string { return &c.Upstream.LoginTimeout }),
	"upstream.write_timeout": durationKey("upstream.write_timeout",
		func(c *Config) *string { return &c.Upstream.WriteTimeout }),
	"upstream.max_line_bytes": intKey("upstream.max_line_bytes",
		func(c *Config) *int { return &c.Upstream.MaxLineBytes }),
	"stream.heartbeat_interval": durationKey("stream.heartbeat_interval",
		func(c *Config) *string { return &c.Stream.HeartbeatInterval }),
	"stream.buffer_size": intKey("stream.buffer_size",
		func(c *Config) *int { return &c.Stream.BufferSize }),
	"eventstream.provider": choiceKey("eventstream.provider",
		func(c *Config) *string { return &c.EventStream.Provider },
		"nop", "kafka"),
	"eventstream.brokers": {
		get: func(c *Config) string { return c.EventStream.Brokers },
		set: func(c *Config, v string) error { c.EventStream.Brokers = v; return nil },
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.EventStream.Topic },
		set: func(c *Config, v string) error { c.EventStream.Topic = v; return nil },
	},
}

// durationKey validates values as Go durations before storing them.
func durationKey(name string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if d < 0 {
				return fmt.Errorf("invalid value for %s: must not be negative", name)
			}
			*field(c) = v
			return nil
		},
	}
}

// choiceKey accepts one of a fixed set of values.
func choiceKey(name string, field func(c *Config) *string, choices ...string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			if !slices.Contains(choices, v) {
				return fmt.Errorf("invalid value for %s: %q (want one of %s)", name, v, strings.Join(choices, ", "))
			}
			*field(c) = v
			return nil
		},
	}
}

// intKey stores positive integers.
func intKey(name string, field func(c *Config) *int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.Itoa(*field(c))
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if n <= 0 {
				return fmt.Errorf("invalid value for %s: must be positive", name)
			}
			*field(c) = n
			return nil
		},
	}
}
