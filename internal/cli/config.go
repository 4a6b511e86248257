package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/cliconfig"
	"github.com/KafClaw/KafPanel/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and edit the KafPanel config file",
	Long: `Values are addressed by dotted path, e.g. gateway.port or panel.maxRounds.
"get" shows the effective value after env overlays and defaults; "set" and
"unset" edit the config file only.`,
}

func init() {
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := config.ConfigPath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <path>",
			Short: "Print the effective value at a dotted path",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				val, err := cliconfig.Get(args[0])
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), val)
			},
		},
		&cobra.Command{
			Use:   "set <path> <value>",
			Short: "Write a value (JSON, or a plain string) into the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := cliconfig.Set(args[0], args[1]); err != nil {
					return err
				}
				if strings.HasPrefix(args[0], "gateway.") {
					fmt.Fprintln(cmd.ErrOrStderr(), "Restart `kafpanel serve` for gateway changes to apply.")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "unset <path>",
			Short: "Remove a value from the config file so its default applies",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return cliconfig.Unset(args[0])
			},
		},
	)
	rootCmd.AddCommand(configCmd)
}

// printValue writes scalars bare and objects or lists as indented JSON.
func printValue(w io.Writer, val any) error {
	switch val.(type) {
	case map[string]any, []any:
		out, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	default:
		_, err := fmt.Fprintln(w, val)
		return err
	}
}
