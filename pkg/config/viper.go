package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/chatbridge/pkg/dotdir"
)

// EnvPrefix prefixes every environment variable read by InitViper.
const EnvPrefix = "CHATBRIDGE"

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the CHATBRIDGE_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (CHATBRIDGE_BRIDGE_LISTEN, CHATBRIDGE_UPSTREAM_ADDRESS, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: CHATBRIDGE_UPSTREAM_ADDRESS, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Bridge
	v.SetDefault("bridge.listen", d.Bridge.Listen)
	v.SetDefault("bridge.cors_origins", d.Bridge.CORSOrigins)
	v.SetDefault("bridge.disconnect_grace", d.Bridge.DisconnectGrace)

	// Upstream
	v.SetDefault("upstream.address", d.Upstream.Address)
	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)
	v.SetDefault("upstream.login_timeout", d.Upstream.LoginTimeout)
	v.SetDefault("upstream.write_timeout", d.Upstream.WriteTimeout)
	v.SetDefault("upstream.max_line_bytes", d.Upstream.MaxLineBytes)

	// Stream
	v.SetDefault("stream.heartbeat_interval", d.Stream.HeartbeatInterval)
	v.SetDefault("stream.buffer_size", d.Stream.BufferSize)

	// Event stream
	v.SetDefault("eventstream.provider", d.EventStream.Provider)
	v.SetDefault("eventstream.brokers", d.EventStream.Brokers)
	v.SetDefault("eventstream.topic", d.EventStream.Topic)
}
