// Package chatbridgecmder provides the root chatbridge command.
package chatbridgecmder

import (
	"github.com/spf13/cobra"

	checkcmder "github.com/papercomputeco/chatbridge/cmd/chatbridge/check"
	configcmder "github.com/papercomputeco/chatbridge/cmd/chatbridge/config"
	servecmder "github.com/papercomputeco/chatbridge/cmd/chatbridge/serve"
	versioncmder "github.com/papercomputeco/chatbridge/cmd/version"
)

const chatbridgeLongDesc string = `Chatbridge puts an HTTP and event-stream front end on a line delimited
JSON chat server.

Browsers log in over HTTP, post chat commands, and receive everything the
chat server pushes on a server-sent event stream:

  chatbridge serve     Run the bridge
  chatbridge check     Probe the chat server
  chatbridge config    Manage persistent configuration`

const chatbridgeShortDesc string = "Chatbridge - HTTP front end for a TCP chat server"

func NewChatbridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatbridge",
		Short:        chatbridgeShortDesc,
		Long:         chatbridgeLongDesc,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .chatbridge/ config directory")
	cmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	cmd.PersistentFlags().Bool("log-pretty", false, "Emit colorized human readable logs")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(checkcmder.NewCheckCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
