package panel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when a panel cannot be started with its configuration.
var ErrInvalidConfig = errors.New("invalid panel config")

// Config holds the per-panel execution limits.
type Config struct {
	MaxRounds          int           `json:"max_rounds"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
	AgentTimeout       time.Duration `json:"agent_timeout"`
	RoundTimeout       time.Duration `json:"round_timeout,omitempty"`
	AllowDebate        bool          `json:"allow_debate"`
	MaxParallel        int           `json:"max_parallel,omitempty"`
}

// DefaultRoundGrace is added on top of the agent timeout when no explicit
// round deadline is configured.
const DefaultRoundGrace = 2 * time.Second

// CanTransition reports whether a panel may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusErrored
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusCancelled || to == StatusErrored
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelled || to == StatusErrored
	default:
		return false
	}
}

// Validate checks the panel definition before the first round is scheduled.
func (p *Panel) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidConfig)
	}
	if len(p.Experts) == 0 {
		return fmt.Errorf("%w: at least one expert is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(p.Experts))
	for _, id := range p.Experts {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("%w: empty expert id", ErrInvalidConfig)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate expert %q", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, p.Mode)
	}
	if p.Mode == ModeDebate && !p.Config.AllowDebate {
		return fmt.Errorf("%w: debate mode requires allow_debate", ErrInvalidConfig)
	}
	return p.Config.Validate()
}

// Validate checks the numeric limits.
func (c Config) Validate() error {
	if c.MaxRounds <= 0 {
		return fmt.Errorf("%w: max rounds must be > 0", ErrInvalidConfig)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: consensus threshold must be within [0,1]", ErrInvalidConfig)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("%w: agent timeout must be > 0", ErrInvalidConfig)
	}
	if c.RoundTimeout < 0 {
		return fmt.Errorf("%w: round timeout must be >= 0", ErrInvalidConfig)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("%w: max parallel must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// RoundDeadline returns the round-wide deadline for the given mode and
// expert count.
func (c Config) RoundDeadline(mode Mode, experts int) time.Duration {
	if c.RoundTimeout > 0 {
		return c.RoundTimeout
	}
	if mode == ModeSequential && experts > 1 {
		return c.AgentTimeout*time.Duration(experts) + DefaultRoundGrace
	}
	return c.AgentTimeout + DefaultRoundGrace
}

// Reached reports whether a round closing with the given consensus level
// ends the panel.
func (c Config) Reached(round int, level float64) bool {
	return level >= c.ConsensusThreshold || round >= c.MaxRounds
}
