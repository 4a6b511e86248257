package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/config"
	"github.com/KafClaw/KafPanel/internal/consensus"
	"github.com/KafClaw/KafPanel/internal/mirror"
	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/scheduler"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

// runtimeOptions adjust how a command assembles the engine.
type runtimeOptions struct {
	// DryRun swaps every expert for its scripted replies.
	DryRun bool
	// Memory keeps panels in memory regardless of store.driver.
	Memory bool
	// NoMirror skips the Kafka mirror even when brokers are configured.
	NoMirror bool
}

// app is the assembled engine behind serve and the local panel commands.
type app struct {
	cfg    *config.Config
	store  timeline.Store
	mirror *mirror.KafkaMirror
	mgr    *orchestrator.Manager
}

// setupLogging installs the process-wide slog handler.
func setupLogging(lc config.LogConfig, w io.Writer) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadCatalog reads the configured experts file, falling back to the
// built-in catalog when it does not exist.
func loadCatalog(path string) (*agent.Catalog, error) {
	if strings.TrimSpace(path) != "" {
		cat, err := agent.LoadCatalog(path)
		if err == nil {
			return cat, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Debug("Experts file missing, using built-in catalog", "path", path)
	}
	return agent.ParseCatalog([]byte(agent.DefaultCatalogYAML))
}

func openStore(cfg *config.Config, memory bool) (timeline.Store, error) {
	if memory || cfg.Store.Driver == config.StoreMemory {
		return timeline.NewMemoryStore(), nil
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := timeline.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

func buildRuntime(cfg *config.Config, opts runtimeOptions) (*app, error) {
	cat, err := loadCatalog(cfg.Paths.ExpertsFile)
	if err != nil {
		return nil, err
	}
	prov := cfg.Providers.OpenAI
	reg, err := cat.Build(agent.BuildOptions{
		DryRun:  opts.DryRun,
		APIKey:  prov.APIKey,
		APIBase: prov.APIBase,
		Model:   prov.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("build experts: %w", err)
	}

	store, err := openStore(cfg, opts.Memory)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, store: store}

	var pubOpts []stream.Option
	if cfg.Mirror.Enabled() && !opts.NoMirror {
		m, err := mirror.NewKafkaMirror(cfg.Mirror)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("kafka mirror: %w", err)
		}
		rt.mirror = m
		pubOpts = append(pubOpts, stream.WithSink(m))
		slog.Info("Mirroring panel events to Kafka", "brokers", cfg.Mirror.Brokers, "topic", cfg.Mirror.Topic)
	}

	rt.mgr = orchestrator.NewManager(orchestrator.Options{
		Store:     store,
		Publisher: stream.NewPublisher(store, pubOpts...),
		Scheduler: scheduler.New(cfg.Scheduler, agent.NewInvoker(reg)),
		Registry:  reg,
		Engine:    consensus.New(nil),
		Defaults: orchestrator.Defaults{
			Mode:   panel.Mode(cfg.Panel.Mode),
			Config: cfg.Panel.Limits(),
		},
	})
	return rt, nil
}

// Close releases the mirror and the store. Call after Manager.Shutdown.
func (rt *app) Close() error {
	var errs []error
	if rt.mirror != nil {
		if err := rt.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
		if n := rt.mirror.Dropped(); n > 0 {
			slog.Warn("Kafka mirror dropped events", "count", n)
		}
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// loadRuntime loads config, installs logging on stderr and builds the engine.
func loadRuntime(opts runtimeOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)
	return buildRuntime(cfg, opts)
}
