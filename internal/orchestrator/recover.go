package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

// Recover reloads every non-terminal panel from the store. Pending panels
// wait for Start; running and paused panels continue from where their
// event log ends. It returns how many panels were recovered.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	panels, err := m.store.ListPanels(ctx, timeline.PanelFilter{
		Statuses: []panel.Status{panel.StatusPending, panel.StatusRunning, panel.StatusPaused},
	})
	if err != nil {
		return 0, fmt.Errorf("list panels: %w", err)
	}
	recovered := 0
	for _, p := range panels {
		if err := m.recoverPanel(ctx, p); err != nil {
			slog.Error("Panel recovery failed", "panel_id", p.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("Panels recovered", "count", recovered)
	}
	return recovered, nil
}

func (m *Manager) recoverPanel(ctx context.Context, p panel.Panel) error {
	lastSeq, err := m.lastResponseSequence(ctx, p.ID)
	if err != nil {
		return err
	}
	r := newRunner(m, p, lastSeq)
	if m.register(r) != r || p.Status == panel.StatusPending {
		return nil
	}

	events, err := m.pub.History(ctx, p.ID, 0)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	view := stream.Fold(events)
	if view.Status.Terminal() {
		// The log ended but the panel row was not updated before the crash.
		defer m.forget(r)
		defer r.finish()
		return m.store.UpdatePanelState(ctx, p.ID, timeline.PanelState{
			Status: view.Status, CurrentRound: view.CurrentRound, Error: view.Error, UpdatedAt: m.now().UTC(),
		})
	}

	d, err := r.reconcile(ctx, view)
	if err != nil {
		r.fail(ctx, err)
		return err
	}
	if d == nil {
		return nil
	}
	r.mu.Lock()
	r.launchLocked(*d)
	r.mu.Unlock()
	slog.Info("Panel resumed after restart", "panel_id", p.ID, "status", p.Status, "round", p.CurrentRound)
	return nil
}

// reconcile brings the event log level with the store and finishes a round
// a crash left open. It returns what the round loop does next.
func (r *Runner) reconcile(ctx context.Context, view stream.View) (*decision, error) {
	if err := r.announceStatus(ctx, view.Status); err != nil {
		return nil, err
	}

	rounds, err := r.m.store.ListRounds(ctx, r.id)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	if len(rounds) == 0 {
		return &decision{next: 1}, nil
	}
	last := rounds[len(rounds)-1]
	seen := roundView(view, last.Number)

	if seen == nil {
		if err := r.publish(ctx, stream.RoundStarted{Round: last.Number}); err != nil {
			return nil, err
		}
	}

	responses, err := r.m.store.ListResponses(ctx, r.id, last.Number)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	announced := make(map[int64]bool)
	if seen != nil {
		for _, resp := range seen.Responses {
			announced[resp.Sequence] = true
		}
	}
	answered := make(map[string]bool)
	timedOut := false
	for _, resp := range responses {
		if resp.Round != last.Number {
			continue
		}
		answered[resp.ExpertID] = true
		timedOut = timedOut || resp.TimedOut()
		if !announced[resp.Sequence] {
			if err := r.publish(ctx, stream.ExpertSpeaking{ExpertResponse: resp}); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case last.Status == panel.RoundInProgress:
		now := r.m.now().UTC()
		for _, id := range r.p.Experts {
			if answered[id] {
				continue
			}
			timedOut = true
			if _, err := r.RecordResponse(ctx, panel.ExpertResponse{
				Round:      last.Number,
				ExpertID:   id,
				Failure:    &panel.Failure{Kind: panel.FailureTimeout, Message: "interrupted by restart"},
				StartedAt:  now,
				ResolvedAt: now,
			}); err != nil {
				return nil, err
			}
		}
		status := panel.RoundComplete
		if timedOut {
			status = panel.RoundTimedOut
		}
		if err := r.CloseRound(ctx, last.Number, status); err != nil {
			return nil, err
		}
	case seen == nil || !seen.Status.Closed():
		if err := r.publish(ctx, stream.RoundComplete{Round: last.Number, Status: last.Status}); err != nil {
			return nil, err
		}
	}

	snaps, err := r.m.store.ListConsensus(ctx, r.id)
	if err != nil {
		return nil, fmt.Errorf("list consensus: %w", err)
	}
	for _, snap := range snaps {
		if snap.Round != last.Number {
			continue
		}
		if seen == nil || seen.Consensus == nil {
			if err := r.publish(ctx, stream.Consensus{ConsensusSnapshot: snap}); err != nil {
				return nil, err
			}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.decide(last.Number, snap.Level), nil
	}
	return r.settle(ctx, last.Number)
}

// announceStatus appends the transition event the store recorded but the
// log is missing.
func (r *Runner) announceStatus(ctx context.Context, logged panel.Status) error {
	r.mu.Lock()
	status := r.p.Status
	r.mu.Unlock()
	if logged == status {
		return nil
	}
	var payload stream.Payload
	switch {
	case status == panel.StatusPaused:
		payload = stream.Paused{}
	case status == panel.StatusRunning && logged == panel.StatusPending:
		payload = stream.Started{}
	case status == panel.StatusRunning:
		payload = stream.Resumed{}
	default:
		return nil
	}
	return r.publish(ctx, payload)
}

func (r *Runner) publish(ctx context.Context, payload stream.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.m.pub.Publish(ctx, r.id, payload); err != nil {
		return fmt.Errorf("publish %s: %w", payload.Type(), err)
	}
	return nil
}

func roundView(v stream.View, n int) *stream.RoundView {
	for i := range v.Rounds {
		if v.Rounds[i].Number == n {
			return &v.Rounds[i]
		}
	}
	return nil
}
