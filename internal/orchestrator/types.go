// Package orchestrator drives panels through their lifecycle: one Runner per
// panel schedules rounds, records consensus and decides between the next
// round and completion, while the Manager owns the registry of runners.
package orchestrator

import (
	"errors"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
)

var (
	// ErrNotFound is returned for an unknown panel id.
	ErrNotFound = errors.New("panel not found")
	// ErrInvalidTransition is returned when an operation does not apply to the panel's status.
	ErrInvalidTransition = errors.New("invalid panel transition")
	// ErrShuttingDown is returned once Shutdown was called.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Defaults fill the fields a CreateRequest leaves unset.
type Defaults struct {
	Mode   panel.Mode
	Config panel.Config
}

// DefaultDefaults returns the built-in panel defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Mode: panel.ModeParallel,
		Config: panel.Config{
			MaxRounds:          3,
			ConsensusThreshold: 0.8,
			AgentTimeout:       60 * time.Second,
			AllowDebate:        true,
		},
	}
}

// Overrides are per-panel config values. Nil fields keep the default, so
// an explicit zero is passed through and rejected at Start.
type Overrides struct {
	MaxRounds          *int           `json:"max_rounds,omitempty"`
	ConsensusThreshold *float64       `json:"consensus_threshold,omitempty"`
	AgentTimeout       *time.Duration `json:"agent_timeout,omitempty"`
	RoundTimeout       *time.Duration `json:"round_timeout,omitempty"`
	AllowDebate        *bool          `json:"allow_debate,omitempty"`
	MaxParallel        *int           `json:"max_parallel,omitempty"`
}

func (o Overrides) apply(c panel.Config) panel.Config {
	if o.MaxRounds != nil {
		c.MaxRounds = *o.MaxRounds
	}
	if o.ConsensusThreshold != nil {
		c.ConsensusThreshold = *o.ConsensusThreshold
	}
	if o.AgentTimeout != nil {
		c.AgentTimeout = *o.AgentTimeout
	}
	if o.RoundTimeout != nil {
		c.RoundTimeout = *o.RoundTimeout
	}
	if o.AllowDebate != nil {
		c.AllowDebate = *o.AllowDebate
	}
	if o.MaxParallel != nil {
		c.MaxParallel = *o.MaxParallel
	}
	return c
}

// CreateRequest describes a new panel.
type CreateRequest struct {
	Tenant  string
	Title   string
	Prompt  string
	Experts []string
	Mode    panel.Mode
	Config  Overrides
}

// Status summarizes the panels known to the store.
type Status struct {
	Panels   map[panel.Status]int `json:"panels"`
	Active   int                  `json:"active"`
	Experts  int                  `json:"experts"`
	Strategy string               `json:"strategy"`
}
