package configcmder

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatbridge/pkg/cliui"
	"github.com/papercomputeco/chatbridge/pkg/config"
)

const listLongDesc string = `List all configuration values.

Displays every configuration key and its effective value. Values that
config.toml does not set are marked as defaults.

Examples:
  chatbridge config list`

const listShortDesc string = "List all configuration values"

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return runList(cmd.OutOrStdout(), configDir)
		},
	}

	return cmd
}

func runList(w io.Writer, configDir string) error {
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	explicit, err := cfger.ExplicitKeys()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Using config file: %s\n\n", cfger.GetTarget())

	keys := config.ValidConfigKeys()

	// Find the longest key name for alignment.
	maxLen := 0
	for _, k := range keys {
		maxLen = max(maxLen, len(k))
	}

	for _, key := range keys {
		value, err := cfger.GetConfigValue(key)
		if err != nil {
			return err
		}

		line := fmt.Sprintf("%-*s = <not set>", maxLen, key)
		if value != "" {
			line = fmt.Sprintf("%-*s = %q", maxLen, key, value)
		}
		if !slices.Contains(explicit, key) {
			line += "  " + cliui.DimStyle.Render("(default)")
		}
		fmt.Fprintln(w, line)
	}

	return nil
}
