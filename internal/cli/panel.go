package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/gateway"
	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Run, inspect and watch expert panels",
}

var (
	runDryRun    bool
	runMemory    bool
	runExperts   []string
	runMode      string
	runTitle     string
	runRounds    int
	runThreshold float64
	runJSON      bool

	listStatus []string
	listTenant string
	listLimit  int

	replayAfter int64
	replayJSON  bool
)

var panelRunCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run a panel locally and print its events as they happen",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPanel,
}

var panelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored panels",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(runtimeOptions{NoMirror: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		filter := timeline.PanelFilter{Tenant: listTenant, Limit: listLimit}
		for _, s := range listStatus {
			filter.Statuses = append(filter.Statuses, panel.Status(strings.TrimSpace(s)))
		}
		panels, err := rt.mgr.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTENANT\tSTATUS\tMODE\tROUND\tEXPERTS\tTITLE")
		for _, p := range panels {
			title := p.Title
			if title == "" {
				title = oneLine(p.Prompt)
			}
			if len(title) > 48 {
				title = title[:45] + "..."
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", p.ID, p.Tenant, p.Status, p.Mode, p.CurrentRound, len(p.Experts), title)
		}
		return tw.Flush()
	},
}

var panelReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Print a panel's stored event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(runtimeOptions{NoMirror: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := cmd.Context()
		if _, err := rt.mgr.Get(ctx, args[0]); err != nil {
			return err
		}
		events, err := rt.mgr.Publisher().History(ctx, args[0], replayAfter)
		if err != nil {
			return err
		}
		emit := eventPrinter(cmd.OutOrStdout(), replayJSON)
		for _, e := range events {
			if err := emit(e); err != nil {
				return err
			}
		}
		return nil
	},
}

var panelViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "Print the panel state folded from its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(runtimeOptions{NoMirror: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		view, err := rt.mgr.View(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// eventPrinter returns a function that writes events either as text lines
// or as one JSON frame per line.
func eventPrinter(w io.Writer, asJSON bool) func(stream.Event) error {
	if !asJSON {
		return func(e stream.Event) error {
			printEvent(w, e)
			return nil
		}
	}
	enc := json.NewEncoder(w)
	return func(e stream.Event) error {
		return enc.Encode(e)
	}
}

func runPanel(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(runtimeOptions{DryRun: runDryRun, Memory: runMemory})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("Runtime close failed", "error", err)
		}
	}()

	ctx := cmd.Context()
	req := orchestrator.CreateRequest{
		Tenant:  gateway.DefaultTenant,
		Title:   runTitle,
		Prompt:  strings.Join(args, " "),
		Experts: runExperts,
		Mode:    panel.Mode(runMode),
	}
	if cmd.Flags().Changed("rounds") {
		req.Config.MaxRounds = &runRounds
	}
	if cmd.Flags().Changed("threshold") {
		req.Config.ConsensusThreshold = &runThreshold
	}

	p, err := rt.mgr.Create(ctx, req)
	if err != nil {
		return err
	}
	sub, err := rt.mgr.Subscribe(ctx, p.ID, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !runJSON {
		fmt.Fprintf(out, "Panel %s: %d expert(s), %s mode\n", p.ID, len(p.Experts), p.Mode)
	}

	_, startErr := rt.mgr.Start(ctx, p.ID)
	if startErr != nil && !errors.Is(startErr, panel.ErrInvalidConfig) {
		return startErr
	}

	sigCtx, stop := signal.NotifyContext(ctx, serveSignals...)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			if _, err := rt.mgr.Cancel(context.Background(), p.ID); err != nil {
				slog.Warn("Cancel on interrupt failed", "panel_id", p.ID, "error", err)
			}
		case <-finished:
		}
	}()

	emit := eventPrinter(out, runJSON)
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := emit(e); err != nil {
			return err
		}
	}

	if err := rt.mgr.Shutdown(ctx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}
	if startErr != nil {
		return startErr
	}
	final, err := rt.mgr.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	switch final.Status {
	case panel.StatusErrored:
		return fmt.Errorf("panel %s errored: %s", final.ID, final.Error)
	case panel.StatusCancelled:
		return fmt.Errorf("panel %s cancelled", final.ID)
	}
	return nil
}

func init() {
	panelRunCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use scripted replies instead of calling providers")
	panelRunCmd.Flags().BoolVar(&runMemory, "memory", false, "Keep the panel in memory instead of the configured store")
	panelRunCmd.Flags().StringSliceVarP(&runExperts, "expert", "e", nil, "Expert id (repeatable); defaults to the catalog defaults")
	panelRunCmd.Flags().StringVar(&runMode, "mode", "", "parallel, sequential or debate (default from config)")
	panelRunCmd.Flags().StringVar(&runTitle, "title", "", "Panel title")
	panelRunCmd.Flags().IntVar(&runRounds, "rounds", 0, "Maximum rounds")
	panelRunCmd.Flags().Float64Var(&runThreshold, "threshold", 0, "Consensus threshold in (0,1]")
	panelRunCmd.Flags().BoolVar(&runJSON, "json", false, "Print events as JSON frames, one per line")

	panelListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Filter by status (repeatable)")
	panelListCmd.Flags().StringVar(&listTenant, "tenant", "", "Filter by tenant")
	panelListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum panels to list")

	panelReplayCmd.Flags().Int64Var(&replayAfter, "after", 0, "Only events with a greater sequence")
	panelReplayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print events as JSON frames, one per line")

	panelCmd.AddCommand(panelRunCmd, panelListCmd, panelReplayCmd, panelViewCmd, panelWatchCmd)
	rootCmd.AddCommand(panelCmd)
}
