package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/config"
)

var expertsInitForce bool

var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "List the experts available to panels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cat, err := loadCatalog(cfg.Paths.ExpertsFile)
		if err != nil {
			return err
		}
		reg, err := cat.Build(agent.BuildOptions{DryRun: true})
		if err != nil {
			return err
		}
		kinds := make(map[string]string, len(cat.Experts))
		for _, spec := range cat.Experts {
			kinds[spec.ID] = spec.Kind
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKIND\tDEFAULT")
		for _, e := range reg.Experts() {
			def := ""
			if e.Default {
				def = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, kinds[e.ID], def)
		}
		return tw.Flush()
	},
}

var expertsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in expert catalog to paths.expertsFile",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path := cfg.Paths.ExpertsFile
		if _, err := os.Stat(path); err == nil && !expertsInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(agent.DefaultCatalogYAML), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote expert catalog to %s\n", path)
		return nil
	},
}

func init() {
	expertsInitCmd.Flags().BoolVar(&expertsInitForce, "force", false, "Overwrite an existing catalog")
	expertsCmd.AddCommand(expertsInitCmd)
	rootCmd.AddCommand(expertsCmd)
}
