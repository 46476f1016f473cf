package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag is the single source of truth for a CLI flag.
// Commands reference flags by registry key rather than hard-coding names,
// shorthands, defaults, and descriptions inline. This prevents flag drift
// when the same logical flag appears on multiple commands (e.g., --upstream
// on both "chatbridge serve" and "chatbridge check").
type Flag struct {
	// Name is the long flag name (e.g. "upstream").
	Name string

	// Shorthand is the one-letter short flag (e.g. "u"). Empty for no shorthand.
	Shorthand string

	// ViperKey is the dotted config key this flag maps to (e.g. "upstream.address").
	ViperKey string

	// Description is the help text shown in --help output.
	Description string
}

// FlagSet is a mapping of flag names to Flag structs that hold their name,
// shorthand, viper key, etc.
type FlagSet map[string]Flag

// Flag registry keys.
// Use these constants when calling AddStringFlag, AddIntFlag, AddDurationFlag
// and BindRegisteredFlags to avoid typos or drift from one command to another.
const (
	FlagListen              = "listen"
	FlagUpstream            = "upstream"
	FlagCORSOrigins         = "cors-origins"
	FlagRequestTimeout      = "request-timeout"
	FlagLoginTimeout        = "login-timeout"
	FlagHeartbeat           = "heartbeat"
	FlagStreamBuffer        = "stream-buffer"
	FlagEventStreamProvider = "eventstream-provider"
	FlagEventStreamBrokers  = "eventstream-brokers"
	FlagEventStreamTopic    = "eventstream-topic"
)

// BridgeFlags are the flags shared by commands that run or probe a bridge.
var BridgeFlags = FlagSet{
	FlagListen:              {Name: "listen", Shorthand: "l", ViperKey: "bridge.listen", Description: "Address for the bridge to listen on"},
	FlagUpstream:            {Name: "upstream", Shorthand: "u", ViperKey: "upstream.address", Description: "Chat server TCP address (host:port)"},
	FlagCORSOrigins:         {Name: "cors-origins", ViperKey: "bridge.cors_origins", Description: "Comma separated allowed CORS origins"},
	FlagRequestTimeout:      {Name: "request-timeout", ViperKey: "upstream.request_timeout", Description: "Timeout for correlated chat server requests"},
	FlagLoginTimeout:        {Name: "login-timeout", ViperKey: "upstream.login_timeout", Description: "Timeout for the connect and login exchange"},
	FlagHeartbeat:           {Name: "heartbeat", ViperKey: "stream.heartbeat_interval", Description: "Keep-alive interval for idle message streams"},
	FlagStreamBuffer:        {Name: "stream-buffer", ViperKey: "stream.buffer_size", Description: "Events a slow message stream may fall behind before it is dropped"},
	FlagEventStreamProvider: {Name: "eventstream-provider", ViperKey: "eventstream.provider", Description: "Bridge event publisher (nop, kafka)"},
	FlagEventStreamBrokers:  {Name: "eventstream-brokers", ViperKey: "eventstream.brokers", Description: "Comma separated Kafka broker addresses"},
	FlagEventStreamTopic:    {Name: "eventstream-topic", ViperKey: "eventstream.topic", Description: "Kafka topic for bridge events"},
}

// AddStringFlag registers a string flag on cmd from the given FlagSet.
// The flag's name, shorthand, default, and description all come from the
// FlagSet entry so they cannot drift across commands.
func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaults().GetString(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().StringVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().StringVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddIntFlag registers an int flag on cmd from the given FlagSet.
func AddIntFlag(cmd *cobra.Command, fs FlagSet, key string, target *int) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaults().GetInt(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().IntVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().IntVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddDurationFlag registers a duration flag on cmd from the given FlagSet.
func AddDurationFlag(cmd *cobra.Command, fs FlagSet, key string, target *time.Duration) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaults().GetDuration(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().DurationVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().DurationVar(target, def.Name, defaultVal, def.Description)
	}
}

// BindRegisteredFlags binds already-registered flags to viper using definitions
// from the given FlagSet. Call this in PreRunE after InitViper to connect flags
// to the viper precedence chain (flag > env > config file > default).
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, registryKeys []string) {
	for _, registryKey := range registryKeys {
		def, ok := fs[registryKey]
		if !ok {
			continue
		}

		f := cmd.Flags().Lookup(def.Name)
		if f == nil {
			continue
		}

		_ = v.BindPFlag(def.ViperKey, f)
	}
}

// defaults returns a viper instance holding only NewDefaultConfig values.
func defaults() *viper.Viper {
	v := viper.New()
	setViperDefaults(v)
	return v
}
