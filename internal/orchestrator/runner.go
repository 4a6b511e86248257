package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/KafPanel/internal/consensus"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/scheduler"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

var errStopped = errors.New("panel no longer running")

// decision is what follows a closed round: completion or the next round.
type decision struct {
	complete bool
	next     int
}

// Runner is the state machine of one panel. Its mutex is the single
// serialization point for status changes and response sequences, so a
// transition event and a response event never interleave.
type Runner struct {
	m  *Manager
	id string

	mu      sync.Mutex
	p       panel.Panel
	lastSeq int64
	cancel  context.CancelFunc
	looping bool

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newRunner(m *Manager, p panel.Panel, lastSeq int64) *Runner {
	return &Runner{
		m:       m,
		id:      p.ID,
		p:       p,
		lastSeq: lastSeq,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Done is closed when the runner stopped driving the panel.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// release ends a runner that never launched its loop.
func (r *Runner) release() {
	r.finish()
	r.m.forget(r)
}

func (r *Runner) snapshot() panel.Panel {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.p
	p.Experts = append([]string(nil), r.p.Experts...)
	return p
}

// transitionLocked persists the new status and appends its event. Callers
// hold r.mu.
func (r *Runner) transitionLocked(ctx context.Context, to panel.Status, payload stream.Payload, errMsg string) error {
	if !panel.CanTransition(r.p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.p.Status, to)
	}
	now := r.m.now().UTC()
	if err := r.m.store.UpdatePanelState(ctx, r.id, timeline.PanelState{
		Status:       to,
		CurrentRound: r.p.CurrentRound,
		Error:        errMsg,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("update panel %s: %w", r.id, err)
	}
	prev := r.p.Status
	r.p.Status = to
	r.p.Error = errMsg
	r.p.UpdatedAt = now
	if _, err := r.m.pub.Publish(ctx, r.id, payload); err != nil {
		err = fmt.Errorf("publish %s: %w", payload.Type(), err)
		r.p.Status = prev
		r.failLocked(ctx, err)
		return err
	}
	return nil
}

// start moves a pending panel to running and launches the round loop.
func (r *Runner) start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status != panel.StatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.p.Status)
	}

	if err := r.validateLocked(); err != nil {
		slog.Warn("Panel rejected at start", "panel_id", r.id, "error", err)
		if terr := r.transitionLocked(ctx, panel.StatusErrored, stream.Error{Message: err.Error()}, err.Error()); terr != nil {
			slog.Error("Recording invalid panel failed", "panel_id", r.id, "error", terr)
		}
		r.release()
		return err
	}
	if err := r.transitionLocked(ctx, panel.StatusRunning, stream.Started{}, ""); err != nil {
		return err
	}
	slog.Info("Panel started", "panel_id", r.id, "experts", len(r.p.Experts), "mode", r.p.Mode)
	r.launchLocked(decision{next: 1})
	return nil
}

func (r *Runner) validateLocked() error {
	if err := r.p.Validate(); err != nil {
		return err
	}
	if missing := r.m.registry.Missing(r.p.Experts); len(missing) > 0 {
		return fmt.Errorf("%w: unknown experts %v", panel.ErrInvalidConfig, missing)
	}
	return nil
}

// launchLocked starts the loop goroutine. Callers hold r.mu.
func (r *Runner) launchLocked(d decision) {
	if r.looping {
		return
	}
	ctx, cancel := context.WithCancel(r.m.base)
	r.cancel = cancel
	r.looping = true
	r.m.wg.Add(1)
	go func() {
		defer r.m.wg.Done()
		defer cancel()
		r.loop(ctx, d)
	}()
}

func (r *Runner) pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status != panel.StatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, r.p.Status)
	}
	if err := r.transitionLocked(ctx, panel.StatusPaused, stream.Paused{}, ""); err != nil {
		return err
	}
	slog.Info("Panel paused", "panel_id", r.id, "round", r.p.CurrentRound)
	return nil
}

func (r *Runner) resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status != panel.StatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, r.p.Status)
	}
	if err := r.transitionLocked(ctx, panel.StatusRunning, stream.Resumed{}, ""); err != nil {
		return err
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	slog.Info("Panel resumed", "panel_id", r.id, "round", r.p.CurrentRound)
	return nil
}

func (r *Runner) cancelPanel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status.Terminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, r.p.Status)
	}
	if err := r.transitionLocked(ctx, panel.StatusCancelled, stream.Cancelled{}, ""); err != nil {
		return err
	}
	if r.cancel != nil {
		r.cancel()
	}
	if !r.looping {
		r.release()
	}
	slog.Info("Panel cancelled", "panel_id", r.id, "round", r.p.CurrentRound)
	return nil
}

// fail moves the panel to errored unless it already stopped or the process
// is shutting down.
func (r *Runner) fail(ctx context.Context, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(ctx, cause)
}

func (r *Runner) failLocked(ctx context.Context, cause error) {
	if r.p.Status.Terminal() || r.m.closing.Load() {
		return
	}
	msg := cause.Error()
	slog.Error("Panel errored", "panel_id", r.id, "round", r.p.CurrentRound, "error", cause)

	// The store may be the failing part; the error event still reaches
	// subscribers through the publisher's in-memory hold.
	ctx = context.WithoutCancel(ctx)
	now := r.m.now().UTC()
	if err := r.m.store.UpdatePanelState(ctx, r.id, timeline.PanelState{
		Status: panel.StatusErrored, CurrentRound: r.p.CurrentRound, Error: msg, UpdatedAt: now,
	}); err != nil {
		slog.Error("Persisting errored status failed", "panel_id", r.id, "error", err)
	}
	r.p.Status = panel.StatusErrored
	r.p.Error = msg
	r.p.UpdatedAt = now
	if _, err := r.m.pub.Publish(ctx, r.id, stream.Error{Message: msg}); err != nil {
		slog.Error("Error event not persisted", "panel_id", r.id, "error", err)
	}
	if r.cancel != nil {
		r.cancel()
	}
	if !r.looping {
		r.release()
	}
}

func (r *Runner) loop(ctx context.Context, d decision) {
	defer func() {
		r.mu.Lock()
		r.looping = false
		r.mu.Unlock()
		r.release()
	}()

	for {
		r.mu.Lock()
		status := r.p.Status
		switch {
		case status.Terminal():
			r.mu.Unlock()
			return
		case status == panel.StatusPaused:
			r.mu.Unlock()
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				return
			}
		case d.complete:
			err := r.transitionLocked(ctx, panel.StatusCompleted, stream.Complete{}, "")
			rounds := r.p.CurrentRound
			r.mu.Unlock()
			if err != nil {
				r.fail(ctx, err)
				return
			}
			slog.Info("Panel completed", "panel_id", r.id, "rounds", rounds)
			return
		}
		err := r.beginRoundLocked(ctx, d.next)
		r.mu.Unlock()
		if err != nil {
			r.fail(ctx, err)
			return
		}

		next, err := r.runRound(ctx, d.next)
		if err != nil {
			// A cancelled panel or a shutdown makes fail a no-op.
			r.fail(ctx, err)
			return
		}
		if next == nil {
			return
		}
		d = *next
	}
}

// beginRoundLocked creates round n and announces it. Callers hold r.mu.
func (r *Runner) beginRoundLocked(ctx context.Context, n int) error {
	now := r.m.now().UTC()
	if err := r.m.store.CreateRound(ctx, &panel.Round{
		PanelID: r.id, Number: n, Status: panel.RoundInProgress, StartedAt: now,
	}); err != nil {
		return fmt.Errorf("create round %d: %w", n, err)
	}
	r.p.CurrentRound = n
	if err := r.m.store.UpdatePanelState(ctx, r.id, timeline.PanelState{
		Status: r.p.Status, CurrentRound: n, UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("update panel %s: %w", r.id, err)
	}
	if _, err := r.m.pub.Publish(ctx, r.id, stream.RoundStarted{Round: n}); err != nil {
		return fmt.Errorf("publish round_started: %w", err)
	}
	return nil
}

// runRound runs round n and records its consensus. A nil decision with a
// nil error means the round was aborted.
func (r *Runner) runRound(ctx context.Context, n int) (*decision, error) {
	p := r.snapshot()
	prior, err := r.m.store.ListResponses(ctx, r.id, n-1)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	if n == 1 {
		prior = nil
	}

	res := r.m.sched.RunRound(ctx, scheduler.Round{
		PanelID:      r.id,
		Number:       n,
		Mode:         p.Mode,
		Experts:      p.Experts,
		Prompt:       roundPrompt(p, n),
		AgentTimeout: p.Config.AgentTimeout,
		Deadline:     p.Config.RoundDeadline(p.Mode, len(p.Experts)),
		MaxParallel:  p.Config.MaxParallel,
		Context:      contextFor(p.Mode, prior),
	}, r)
	if res.Aborted {
		return nil, nil
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return r.settle(ctx, n)
}

// settle computes and publishes round n's consensus and returns the
// decision that follows it.
func (r *Runner) settle(ctx context.Context, n int) (*decision, error) {
	responses, err := r.m.store.ListResponses(ctx, r.id, n)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	snap := r.m.engine.Compute(r.id, n, responses)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status.Terminal() {
		return nil, nil
	}
	if err := r.m.store.SaveConsensus(ctx, &snap); err != nil {
		return nil, fmt.Errorf("save consensus: %w", err)
	}
	if _, err := r.m.pub.Publish(ctx, r.id, stream.Consensus{ConsensusSnapshot: snap}); err != nil {
		return nil, fmt.Errorf("publish consensus: %w", err)
	}
	slog.Info("Consensus computed", "panel_id", r.id, "round", n, "level", snap.Level,
		"agreement", len(snap.AgreementPoints), "disagreement", len(snap.DisagreementPoints))
	return r.decide(n, snap.Level), nil
}

func (r *Runner) decide(n int, level float64) *decision {
	if r.p.Config.Reached(n, level) {
		return &decision{complete: true}
	}
	return &decision{next: n + 1}
}

// RecordResponse assigns the next response sequence, stores the response
// and announces it.
func (r *Runner) RecordResponse(ctx context.Context, resp panel.ExpertResponse) (panel.ExpertResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status.Terminal() {
		return resp, errStopped
	}
	resp.PanelID = r.id
	resp.Sequence = r.lastSeq + 1
	if err := r.m.store.AddResponse(ctx, &resp); err != nil {
		return resp, fmt.Errorf("store response: %w", err)
	}
	r.lastSeq = resp.Sequence
	if _, err := r.m.pub.Publish(ctx, r.id, stream.ExpertSpeaking{ExpertResponse: resp}); err != nil {
		return resp, fmt.Errorf("publish expert_speaking: %w", err)
	}
	if resp.Failed() {
		slog.Warn("Expert failed", "panel_id", r.id, "round", resp.Round, "expert_id", resp.ExpertID,
			"kind", resp.Failure.Kind, "message", resp.Failure.Message)
	}
	return resp, nil
}

// CloseRound marks round n closed and announces it.
func (r *Runner) CloseRound(ctx context.Context, n int, status panel.RoundStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Status.Terminal() {
		return errStopped
	}
	if err := r.m.store.CloseRound(ctx, r.id, n, status, r.m.now().UTC()); err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	if _, err := r.m.pub.Publish(ctx, r.id, stream.RoundComplete{Round: n, Status: status}); err != nil {
		return fmt.Errorf("publish round_complete: %w", err)
	}
	return nil
}

const debateNote = "\n\nThis is a debate round: address the other experts' positions directly, say where you agree and where you disagree, and revise your answer if their arguments convince you."

func roundPrompt(p panel.Panel, n int) string {
	if p.Mode == panel.ModeDebate && n > 1 {
		return p.Prompt + debateNote
	}
	return p.Prompt
}

// contextFor builds what each expert sees. Sequential and parallel rounds
// show the full transcript of earlier rounds; debate rounds show each other
// expert's latest position.
func contextFor(mode panel.Mode, prior []panel.ExpertResponse) scheduler.ContextFunc {
	return func(expertID string, sameRound []panel.ExpertResponse) []panel.ExpertResponse {
		var out []panel.ExpertResponse
		if mode == panel.ModeDebate {
			for _, resp := range consensus.Latest(prior, maxRound(prior)) {
				if resp.ExpertID != expertID {
					out = append(out, resp)
				}
			}
		} else {
			for _, resp := range prior {
				if !resp.Failed() {
					out = append(out, resp)
				}
			}
		}
		return append(out, sameRound...)
	}
}

func maxRound(rs []panel.ExpertResponse) int {
	n := 0
	for _, r := range rs {
		if r.Round > n {
			n = r.Round
		}
	}
	return n
}
