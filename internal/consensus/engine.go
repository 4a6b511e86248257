// Package consensus measures agreement between expert responses.
package consensus

import (
	"math"
	"sort"

	"github.com/KafClaw/KafPanel/internal/panel"
)

// Result is what a Strategy reports for one round.
type Result struct {
	Level        float64
	Agreement    []string
	Disagreement []string
}

// Strategy turns the latest usable response of each expert into a
// consensus measurement. Implementations must be pure and deterministic;
// responses arrive sorted by expert id.
type Strategy interface {
	Name() string
	Evaluate(round int, responses []panel.ExpertResponse) Result
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	ID string
	Fn func(round int, responses []panel.ExpertResponse) Result
}

func (s StrategyFunc) Name() string { return s.ID }

func (s StrategyFunc) Evaluate(round int, responses []panel.ExpertResponse) Result {
	return s.Fn(round, responses)
}

// Engine computes consensus snapshots.
type Engine struct {
	strategy Strategy
}

// New returns an Engine using s, or the claims strategy when s is nil.
func New(s Strategy) *Engine {
	if s == nil {
		s = Claims()
	}
	return &Engine{strategy: s}
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Compute returns the snapshot for round from every response up to and
// including that round. Failed responses are ignored; each expert counts
// once, with its latest successful response. Fewer than two usable
// responses yield level 0.
func (e *Engine) Compute(panelID string, round int, responses []panel.ExpertResponse) panel.ConsensusSnapshot {
	latest := Latest(responses, round)
	snap := panel.ConsensusSnapshot{
		PanelID:            panelID,
		Round:              round,
		AgreementPoints:    []string{},
		DisagreementPoints: []string{},
		ResponseCount:      len(latest),
		Strategy:           e.strategy.Name(),
	}
	if len(latest) < 2 {
		return snap
	}

	res := e.strategy.Evaluate(round, latest)
	snap.Level = clamp(res.Level)
	if res.Agreement != nil {
		snap.AgreementPoints = res.Agreement
	}
	if res.Disagreement != nil {
		snap.DisagreementPoints = res.Disagreement
	}
	return snap
}

// Latest picks, per expert, the successful response from the highest round
// not after through, sorted by expert id.
func Latest(responses []panel.ExpertResponse, through int) []panel.ExpertResponse {
	best := make(map[string]panel.ExpertResponse)
	for _, r := range responses {
		if r.Failed() || r.Round > through {
			continue
		}
		cur, ok := best[r.ExpertID]
		if !ok || r.Round > cur.Round || (r.Round == cur.Round && r.Sequence > cur.Sequence) {
			best[r.ExpertID] = r
		}
	}
	out := make([]panel.ExpertResponse, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpertID < out[j].ExpertID })
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return math.Round(v*1e4) / 1e4
}
