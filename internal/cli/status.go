package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/config"
	"github.com/KafClaw/KafPanel/internal/panel"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kafpanel %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored panel counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "KafPanel Status")
		fmt.Fprintf(out, "Version: %s\n", version)

		cfgPath, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfgPath); err == nil {
			fmt.Fprintf(out, "Config:  found (%s)\n", cfgPath)
		} else {
			fmt.Fprintf(out, "Config:  not found, using defaults (%s)\n", cfgPath)
		}

		rt, err := loadRuntime(runtimeOptions{NoMirror: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		fmt.Fprintf(out, "Gateway: %s:%d (auth: %v)\n", rt.cfg.Gateway.Host, rt.cfg.Gateway.Port, rt.cfg.Gateway.AuthToken != "")
		fmt.Fprintf(out, "Store:   %s %s\n", rt.cfg.Store.Driver, rt.cfg.Store.Path)
		if rt.cfg.Mirror.Enabled() {
			fmt.Fprintf(out, "Mirror:  %s -> %s\n", rt.cfg.Mirror.Brokers, rt.cfg.Mirror.Topic)
		} else {
			fmt.Fprintln(out, "Mirror:  disabled")
		}

		st, err := rt.mgr.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Experts: %d (strategy %s)\n", st.Experts, st.Strategy)
		fmt.Fprintf(out, "Panels:  ")
		for i, s := range []panel.Status{panel.StatusPending, panel.StatusRunning, panel.StatusPaused, panel.StatusCompleted, panel.StatusErrored, panel.StatusCancelled} {
			if i > 0 {
				fmt.Fprint(out, ", ")
			}
			fmt.Fprintf(out, "%s %d", s, st.Panels[s])
		}
		fmt.Fprintln(out)
		return nil
	},
}
