// Package configcmder provides the config command for managing persistent
// chatbridge configuration stored in the .chatbridge/ directory.
package configcmder

import (
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatbridge/pkg/config"
)

const configLongDesc string = `Manage persistent chatbridge configuration.

Configuration is stored as config.toml in the .chatbridge/ directory and
provides default values for command flags. CLI flags and CHATBRIDGE_*
environment variables always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  bridge.listen, bridge.cors_origins, bridge.disconnect_grace,
  upstream.address, upstream.request_timeout, upstream.login_timeout,
  upstream.write_timeout, upstream.max_line_bytes,
  stream.heartbeat_interval, stream.buffer_size,
  eventstream.provider, eventstream.brokers, eventstream.topic

Use subcommands to get, set, or list configuration values:
  chatbridge config set <key> <value>    Set a configuration value
  chatbridge config get <key>            Get a configuration value
  chatbridge config list                 List all configuration values

Examples:
  chatbridge config set upstream.address chat.internal:12345
  chatbridge config set stream.heartbeat_interval 15s
  chatbridge config get upstream.address
  chatbridge config list`

const configShortDesc string = "Manage persistent chatbridge configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

// completeKeys offers config keys for the first positional argument.
func completeKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}
