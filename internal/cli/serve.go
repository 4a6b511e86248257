package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/gateway"
)

var (
	serveDryRun bool
	serveHost   string
	servePort   int
)

var serveSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel gateway (HTTP API, SSE and WebSocket streams)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(runtimeOptions{DryRun: serveDryRun})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("Runtime close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), serveSignals...)
	defer stop()

	resumed, err := rt.mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover panels: %w", err)
	}
	if resumed > 0 {
		slog.Info("Recovered panels", "count", resumed)
	}

	gw := rt.cfg.Gateway
	if cmd.Flags().Changed("host") {
		gw.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		gw.Port = servePort
	}
	srv := gateway.New(rt.mgr, gateway.Config{
		Host:      gw.Host,
		Port:      gw.Port,
		AuthToken: gw.AuthToken,
		TLSCert:   gw.TLSCert,
		TLSKey:    gw.TLSKey,
		Heartbeat: gw.Heartbeat(),
		Version:   version,
	})
	printHeader(cmd.OutOrStdout(), "KafPanel Gateway")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (experts: %d, dry-run: %v)\n", srv.Addr(), len(rt.mgr.Registry().Experts()), serveDryRun)

	serveErr := srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}
	return serveErr
}

func init() {
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use scripted replies instead of calling providers")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override gateway.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override gateway.port")
	rootCmd.AddCommand(serveCmd)
}
