// Package scheduler runs one panel round: it fans expert invocations out,
// records each response as it resolves and closes the round when every
// expert resolved or the round deadline passed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/panel"
)

// Invoker is the agent invocation surface the scheduler depends on.
type Invoker interface {
	Invoke(ctx context.Context, call agent.Call) agent.Result
}

// Recorder receives round progress. RecordResponse assigns the response
// sequence and persists it; CloseRound marks the round closed. Both are
// called from a single goroutine per round.
type Recorder interface {
	RecordResponse(ctx context.Context, resp panel.ExpertResponse) (panel.ExpertResponse, error)
	CloseRound(ctx context.Context, number int, status panel.RoundStatus) error
}

// ContextFunc returns the earlier responses shown to expertID. sameRound
// holds the responses of this round that resolved before the call.
type ContextFunc func(expertID string, sameRound []panel.ExpertResponse) []panel.ExpertResponse

// Round describes one round to run.
type Round struct {
	PanelID      string
	Number       int
	Mode         panel.Mode
	Experts      []string
	Prompt       string
	AgentTimeout time.Duration
	// Deadline bounds the whole round. Zero derives it from AgentTimeout.
	Deadline    time.Duration
	MaxParallel int
	Context     ContextFunc
}

// RoundResult reports how a round ended.
type RoundResult struct {
	Number    int
	Status    panel.RoundStatus
	Responses []panel.ExpertResponse
	// Aborted is set when ctx was cancelled before the round closed. The
	// round is left open and late results are dropped.
	Aborted bool
	Err     error
}

// Config holds scheduler settings.
type Config struct {
	// MaxConcurrentCalls caps agent calls in flight across all panels.
	MaxConcurrentCalls int `json:"maxConcurrentCalls" envconfig:"MAX_CONCURRENT_CALLS"`
	// DefaultParallel caps per-round fan-out when the panel sets none.
	DefaultParallel int `json:"defaultParallel" envconfig:"DEFAULT_PARALLEL"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCalls: 32,
		DefaultParallel:    8,
	}
}

// Scheduler runs rounds. It is safe for concurrent use by many panels.
type Scheduler struct {
	cfg     Config
	invoker Invoker
	calls   *semaphore.Weighted
}

// New creates a Scheduler.
func New(cfg Config, inv Invoker) *Scheduler {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = DefaultConfig().MaxConcurrentCalls
	}
	if cfg.DefaultParallel <= 0 {
		cfg.DefaultParallel = DefaultConfig().DefaultParallel
	}
	return &Scheduler{
		cfg:     cfg,
		invoker: inv,
		calls:   semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls)),
	}
}

// RunRound runs r to completion, deadline or cancellation of ctx.
func (s *Scheduler) RunRound(ctx context.Context, r Round, rec Recorder) RoundResult {
	result := RoundResult{Number: r.Number}
	if len(r.Experts) == 0 {
		result.Err = fmt.Errorf("round %d: no experts", r.Number)
		return result
	}

	deadline := r.Deadline
	if deadline <= 0 {
		deadline = panel.Config{AgentTimeout: r.AgentTimeout}.RoundDeadline(r.Mode, len(r.Experts))
	}
	roundCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	// Agent calls outlive a panel cancellation; only their own timeout stops them.
	invokeCtx := context.WithoutCancel(ctx)

	slog.Info("Round started", "panel_id", r.PanelID, "round", r.Number, "mode", r.Mode,
		"experts", len(r.Experts), "deadline", deadline)

	results := make(chan agent.Result, len(r.Experts))
	if r.Mode == panel.ModeSequential {
		go s.dispatchSequential(roundCtx, invokeCtx, r, results)
	} else {
		go s.dispatchParallel(roundCtx, invokeCtx, r, results)
	}

	resolved := make(map[string]bool, len(r.Experts))
collect:
	for len(resolved) < len(r.Experts) {
		select {
		case res := <-results:
			if ctx.Err() != nil {
				break collect
			}
			resolved[res.ExpertID] = true
			stored, err := rec.RecordResponse(ctx, res.Response(r.PanelID, r.Number))
			if err != nil {
				result.Err = fmt.Errorf("record %s: %w", res.ExpertID, err)
				return result
			}
			result.Responses = append(result.Responses, stored)
		case <-roundCtx.Done():
			break collect
		}
	}

	if ctx.Err() != nil {
		slog.Info("Round aborted", "panel_id", r.PanelID, "round", r.Number, "resolved", len(resolved))
		result.Aborted = true
		return result
	}

	now := time.Now()
	for _, id := range r.Experts {
		if resolved[id] {
			continue
		}
		placeholder := panel.ExpertResponse{
			PanelID:    r.PanelID,
			Round:      r.Number,
			ExpertID:   id,
			Failure:    &panel.Failure{Kind: panel.FailureTimeout, Message: fmt.Sprintf("round deadline %s passed", deadline)},
			StartedAt:  now,
			ResolvedAt: now,
		}
		stored, err := rec.RecordResponse(ctx, placeholder)
		if err != nil {
			result.Err = fmt.Errorf("record timeout for %s: %w", id, err)
			return result
		}
		result.Responses = append(result.Responses, stored)
	}

	result.Status = panel.RoundComplete
	for _, resp := range result.Responses {
		if resp.TimedOut() {
			result.Status = panel.RoundTimedOut
			break
		}
	}
	if err := rec.CloseRound(ctx, r.Number, result.Status); err != nil {
		result.Err = fmt.Errorf("close round %d: %w", r.Number, err)
		return result
	}
	slog.Info("Round closed", "panel_id", r.PanelID, "round", r.Number, "status", result.Status,
		"responses", len(result.Responses))
	return result
}

func (s *Scheduler) dispatchParallel(roundCtx, invokeCtx context.Context, r Round, out chan<- agent.Result) {
	limit := r.MaxParallel
	if limit <= 0 {
		limit = s.cfg.DefaultParallel
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range r.Experts {
		if roundCtx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if res, ok := s.invoke(roundCtx, invokeCtx, r, id, nil); ok {
				out <- res
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) dispatchSequential(roundCtx, invokeCtx context.Context, r Round, out chan<- agent.Result) {
	var sameRound []panel.ExpertResponse
	for _, id := range r.Experts {
		res, ok := s.invoke(roundCtx, invokeCtx, r, id, sameRound)
		if !ok {
			return
		}
		out <- res
		sameRound = append(sameRound, res.Response(r.PanelID, r.Number))
	}
}

// invoke runs one expert under the shared call limit. It reports false when
// the round ended before a slot was free.
func (s *Scheduler) invoke(roundCtx, invokeCtx context.Context, r Round, id string, sameRound []panel.ExpertResponse) (agent.Result, bool) {
	if err := s.calls.Acquire(roundCtx, 1); err != nil {
		return agent.Result{}, false
	}
	defer s.calls.Release(1)

	var history []panel.ExpertResponse
	if r.Context != nil {
		history = r.Context(id, sameRound)
	} else {
		history = sameRound
	}
	return s.invoker.Invoke(invokeCtx, agent.Call{
		ExpertID: id,
		Round:    r.Number,
		Prompt:   r.Prompt,
		Context:  history,
		Timeout:  r.AgentTimeout,
	}), true
}
