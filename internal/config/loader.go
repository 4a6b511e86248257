package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/KafClaw/KafPanel/internal/panel"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".kafpanel"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the config file location: $KAFPANEL_CONFIG when set,
// otherwise ~/.kafpanel/config.json under the resolved home.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("KAFPANEL_CONFIG")); explicit != "" {
		return expandTilde(explicit, resolveHomeDir)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// resolveHomeDir honours $KAFPANEL_HOME before the user's home directory.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("KAFPANEL_HOME")); h != "" {
		return expandTilde(h, os.UserHomeDir)
	}
	return os.UserHomeDir()
}

func expandTilde(p string, home func() (string, error)) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := home()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load builds the effective config: defaults, then the config file with its
// includes resolved, then KAFPANEL_* environment overlays.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	LoadEnvFileCandidates()

	if path, err := ConfigPath(); err == nil {
		data, err := readConfigFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = firstEnv("OPENAI_API_KEY", "OPENROUTER_API_KEY")
	}
	Normalize(cfg)
	return cfg, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"KAFPANEL_PATHS", &cfg.Paths},
		{"KAFPANEL_GATEWAY", &cfg.Gateway},
		{"KAFPANEL_PANEL", &cfg.Panel},
		{"KAFPANEL_OPENAI", &cfg.Providers.OpenAI},
		{"KAFPANEL_STORE", &cfg.Store},
		{"KAFPANEL_MIRROR", &cfg.Mirror},
		{"KAFPANEL_SCHEDULER", &cfg.Scheduler},
		{"KAFPANEL_LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	return nil
}

// Normalize expands ~ in paths and replaces out-of-range values with the
// defaults.
func Normalize(cfg *Config) {
	def := DefaultConfig()

	expandHome := func(p *string) {
		if v, err := expandTilde(*p, resolveHomeDir); err == nil {
			*p = v
		}
	}
	if strings.TrimSpace(cfg.Paths.DataDir) == "" {
		cfg.Paths.DataDir = def.Paths.DataDir
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Paths.ExpertsFile)
	expandHome(&cfg.Store.Path)

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = def.Gateway.Host
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.HeartbeatSeconds <= 0 {
		cfg.Gateway.HeartbeatSeconds = def.Gateway.HeartbeatSeconds
	}

	mode := panel.Mode(strings.ToLower(strings.TrimSpace(cfg.Panel.Mode)))
	if !mode.Valid() {
		mode = panel.Mode(def.Panel.Mode)
	}
	cfg.Panel.Mode = string(mode)
	if cfg.Panel.MaxRounds <= 0 {
		cfg.Panel.MaxRounds = def.Panel.MaxRounds
	}
	if cfg.Panel.ConsensusThreshold <= 0 || cfg.Panel.ConsensusThreshold > 1 {
		cfg.Panel.ConsensusThreshold = def.Panel.ConsensusThreshold
	}
	if cfg.Panel.AgentTimeoutMs <= 0 {
		cfg.Panel.AgentTimeoutMs = def.Panel.AgentTimeoutMs
	}
	if cfg.Panel.RoundTimeoutMs < 0 {
		cfg.Panel.RoundTimeoutMs = 0
	}
	if cfg.Panel.MaxParallel < 0 {
		cfg.Panel.MaxParallel = 0
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case StoreMemory:
		cfg.Store.Driver = StoreMemory
	default:
		cfg.Store.Driver = StoreSQLite
	}
	if cfg.Store.Driver == StoreSQLite && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = filepath.Join(cfg.Paths.DataDir, "panels.db")
	}

	if cfg.Scheduler.MaxConcurrentCalls <= 0 {
		cfg.Scheduler.MaxConcurrentCalls = def.Scheduler.MaxConcurrentCalls
	}
	if cfg.Scheduler.DefaultParallel <= 0 {
		cfg.Scheduler.DefaultParallel = def.Scheduler.DefaultParallel
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = def.Log.Level
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "json":
		cfg.Log.Format = "json"
	default:
		cfg.Log.Format = "text"
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
