// Package config provides configuration types and loading for kafpanel.
package config

import (
	"time"

	"github.com/KafClaw/KafPanel/internal/mirror"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/scheduler"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Gateway, Panel, Providers, Store, Mirror,
// Scheduler, Log.
type Config struct {
	Paths     PathsConfig      `json:"paths"`
	Gateway   GatewayConfig    `json:"gateway"`
	Panel     PanelConfig      `json:"panel"`
	Providers ProvidersConfig  `json:"providers"`
	Store     StoreConfig      `json:"store"`
	Mirror    mirror.Config    `json:"mirror"`
	Scheduler scheduler.Config `json:"scheduler"`
	Log       LogConfig        `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir     string `json:"dataDir" envconfig:"DATA_DIR"`
	ExpertsFile string `json:"expertsFile" envconfig:"EXPERTS_FILE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP API
// ---------------------------------------------------------------------------

// GatewayConfig contains HTTP API settings.
type GatewayConfig struct {
	Host             string `json:"host" envconfig:"HOST"`
	Port             int    `json:"port" envconfig:"PORT"`
	AuthToken        string `json:"authToken" envconfig:"AUTH_TOKEN"`
	TLSCert          string `json:"tlsCert" envconfig:"TLS_CERT"`
	TLSKey           string `json:"tlsKey" envconfig:"TLS_KEY"`
	HeartbeatSeconds int    `json:"heartbeatSeconds" envconfig:"HEARTBEAT_SECONDS"`
}

// Heartbeat returns the SSE heartbeat interval.
func (g GatewayConfig) Heartbeat() time.Duration {
	return time.Duration(g.HeartbeatSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Panel – defaults for new panels
// ---------------------------------------------------------------------------

// PanelConfig holds the defaults applied to panels that leave a value unset.
type PanelConfig struct {
	Mode               string  `json:"mode" envconfig:"MODE"`
	MaxRounds          int     `json:"maxRounds" envconfig:"MAX_ROUNDS"`
	ConsensusThreshold float64 `json:"consensusThreshold" envconfig:"CONSENSUS_THRESHOLD"`
	AgentTimeoutMs     int     `json:"agentTimeoutMs" envconfig:"AGENT_TIMEOUT_MS"`
	RoundTimeoutMs     int     `json:"roundTimeoutMs" envconfig:"ROUND_TIMEOUT_MS"`
	AllowDebate        bool    `json:"allowDebate" envconfig:"ALLOW_DEBATE"`
	MaxParallel        int     `json:"maxParallel" envconfig:"MAX_PARALLEL"`
}

// Limits converts the defaults to a panel.Config.
func (p PanelConfig) Limits() panel.Config {
	return panel.Config{
		MaxRounds:          p.MaxRounds,
		ConsensusThreshold: p.ConsensusThreshold,
		AgentTimeout:       time.Duration(p.AgentTimeoutMs) * time.Millisecond,
		RoundTimeout:       time.Duration(p.RoundTimeoutMs) * time.Millisecond,
		AllowDebate:        p.AllowDebate,
		MaxParallel:        p.MaxParallel,
	}
}

// ---------------------------------------------------------------------------
// Providers – LLM backends for provider experts
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	Kind    string `json:"kind,omitempty" envconfig:"KIND"`
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model   string `json:"model,omitempty" envconfig:"MODEL"`
}

// ---------------------------------------------------------------------------
// Store – panel session persistence
// ---------------------------------------------------------------------------

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	// Path is the SQLite file; empty means <dataDir>/panels.db.
	Path string `json:"path,omitempty" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogConfig configures the process-wide slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:     "~/.kafpanel",
			ExpertsFile: "~/.kafpanel/experts.yaml",
		},
		Gateway: GatewayConfig{
			Host:             "127.0.0.1",
			Port:             18890,
			HeartbeatSeconds: 15,
		},
		Panel: PanelConfig{
			Mode:               string(panel.ModeParallel),
			MaxRounds:          3,
			ConsensusThreshold: 0.8,
			AgentTimeoutMs:     60000,
			AllowDebate:        true,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{Kind: "openai", Model: "gpt-4o-mini"},
		},
		Store: StoreConfig{Driver: StoreSQLite},
		Mirror: mirror.Config{
			Topic:        "kafpanel.events",
			Buffer:       1024,
			WriteTimeout: 5 * time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
