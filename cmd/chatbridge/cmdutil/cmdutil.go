// Package cmdutil holds helpers shared by chatbridge subcommands.
package cmdutil

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatbridge/pkg/logger"
)

// Logger builds a logger from the global --debug, --log-json and
// --log-pretty flags. Missing flags count as unset.
func Logger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	pretty, _ := cmd.Flags().GetBool("log-pretty")

	return logger.New(
		logger.WithWriter(w),
		logger.WithDebug(debug),
		logger.WithJSON(jsonLogs),
		logger.WithPretty(pretty),
	)
}

// ConfigDir returns the --config-dir override, or "".
func ConfigDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config-dir")
	return dir
}
