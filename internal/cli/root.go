package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is stamped at release time with
// -ldflags "-X github.com/KafClaw/KafPanel/internal/cli.version=1.2.3".
var version = "0.4.0"

const banner = `
  _  __       __ ____                  _
 | |/ / __ _ / _|  _ \ __ _ _ __   ___| |
 | ' / / _` + "`" + ` | |_| |_) / _` + "`" + ` | '_ \ / _ \ |
 | . \| (_| |  _|  __/ (_| | | | |  __/ |
 |_|\_\\__,_|_| |_|   \__,_|_| |_|\___|_|
`

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "kafpanel",
	Short: "Expert panel orchestration with streamed consensus",
	Long: color.CyanString(banner) + `
Put a question to a panel of AI experts, let them answer over several
rounds, score how far they agree and stream every step to clients.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if configFlag != "" {
			return os.Setenv("KAFPANEL_CONFIG", configFlag)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the command named on the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default $KAFPANEL_CONFIG or ~/.kafpanel/config.json)")
	rootCmd.AddCommand(versionCmd, statusCmd)
}
