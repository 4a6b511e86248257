package cli

import (
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/config"
	"github.com/KafClaw/KafPanel/internal/mirror"
	"github.com/KafClaw/KafPanel/internal/stream"
)

var (
	tailPanel         string
	tailGroup         string
	tailFromBeginning bool
	tailJSON          bool
	tailFollow        bool
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Inspect the Kafka event mirror",
}

var errTailDone = errors.New("tail done")

var mirrorTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print panel events consumed from the mirror topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log, cmd.ErrOrStderr())
		if !cfg.Mirror.Enabled() {
			return fmt.Errorf("mirror is disabled: set mirror.brokers (or KAFPANEL_MIRROR_BROKERS)")
		}
		t, err := mirror.NewTailer(cfg.Mirror, tailGroup, tailFromBeginning)
		if err != nil {
			return err
		}
		defer t.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), serveSignals...)
		defer stop()
		emit := eventPrinter(cmd.OutOrStdout(), tailJSON)
		err = t.Run(ctx, tailPanel, func(e stream.Event) error {
			if err := emit(e); err != nil {
				return err
			}
			if tailPanel != "" && !tailFollow && e.Terminal() {
				return errTailDone
			}
			return nil
		})
		if errors.Is(err, errTailDone) {
			return nil
		}
		return err
	},
}

func init() {
	mirrorTailCmd.Flags().StringVar(&tailPanel, "panel", "", "Only events of this panel")
	mirrorTailCmd.Flags().StringVar(&tailGroup, "group", "", "Consumer group (default: a throwaway group)")
	mirrorTailCmd.Flags().BoolVar(&tailFromBeginning, "from-beginning", false, "Start at the oldest retained offset")
	mirrorTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON frames, one per line")
	mirrorTailCmd.Flags().BoolVar(&tailFollow, "follow", false, "Keep reading after the panel's terminal event")
	mirrorCmd.AddCommand(mirrorTailCmd)
	rootCmd.AddCommand(mirrorCmd)
}
