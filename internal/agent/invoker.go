// Package agent invokes expert agents under a per-call timeout and turns
// every outcome into either a usable reply or a classified failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
)

var (
	// ErrUnknownExpert is returned when an expert id is not in the registry.
	ErrUnknownExpert = errors.New("unknown expert")
	// ErrInvalidResponse marks agent output that cannot be used.
	ErrInvalidResponse = errors.New("invalid response")
)

// Request is what an agent sees for one invocation.
type Request struct {
	ExpertID string
	Round    int
	Prompt   string
	// Context holds earlier responses the expert may build on.
	Context []panel.ExpertResponse
}

// Reply is a successful agent answer.
type Reply struct {
	Text       string
	Confidence *float64
	Metadata   map[string]any
}

// Agent produces one reply per request. Implementations should honor ctx.
type Agent interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request) (*Reply, error)

func (f AgentFunc) Respond(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

// Call is one invocation request handed to the Invoker.
type Call struct {
	ExpertID string
	Round    int
	Prompt   string
	Context  []panel.ExpertResponse
	Timeout  time.Duration
}

// Result carries exactly one of Reply or Failure.
type Result struct {
	ExpertID   string
	Reply      *Reply
	Failure    *panel.Failure
	StartedAt  time.Time
	ResolvedAt time.Time
}

// Response converts the result into an ExpertResponse for the given round.
// The sequence is left for the caller to assign.
func (r Result) Response(panelID string, round int) panel.ExpertResponse {
	resp := panel.ExpertResponse{
		PanelID:    panelID,
		Round:      round,
		ExpertID:   r.ExpertID,
		Failure:    r.Failure,
		StartedAt:  r.StartedAt,
		ResolvedAt: r.ResolvedAt,
	}
	if r.Reply != nil {
		resp.Text = r.Reply.Text
		resp.Confidence = r.Reply.Confidence
		resp.Metadata = r.Reply.Metadata
	}
	return resp
}

// Invoker runs agents from a Registry. It is safe for concurrent use.
type Invoker struct {
	registry *Registry
	now      func() time.Time
}

// NewInvoker returns an Invoker over reg.
func NewInvoker(reg *Registry) *Invoker {
	return &Invoker{registry: reg, now: time.Now}
}

// Registry returns the registry the invoker resolves experts from.
func (i *Invoker) Registry() *Registry { return i.registry }

type outcome struct {
	reply *Reply
	err   error
}

// Invoke runs one expert. The agent runs on its own goroutine; when the
// timeout elapses first, Invoke returns a timeout failure without waiting
// for the agent to finish.
func (i *Invoker) Invoke(ctx context.Context, call Call) Result {
	res := Result{ExpertID: call.ExpertID, StartedAt: i.now()}

	ag, ok := i.registry.Lookup(call.ExpertID)
	if !ok {
		res.Failure = &panel.Failure{Kind: panel.FailureAgentError, Message: fmt.Sprintf("%s: %v", call.ExpertID, ErrUnknownExpert)}
		res.ResolvedAt = i.now()
		return res
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if call.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, call.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	req := Request{ExpertID: call.ExpertID, Round: call.Round, Prompt: call.Prompt, Context: call.Context}
	go func() {
		reply, err := safeRespond(callCtx, ag, req)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case out := <-done:
		res.Reply, res.Failure = classify(out)
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Failure = &panel.Failure{Kind: panel.FailureTimeout, Message: fmt.Sprintf("no reply within %s", call.Timeout)}
		} else {
			res.Failure = &panel.Failure{Kind: panel.FailureAgentError, Message: callCtx.Err().Error()}
		}
	}
	res.ResolvedAt = i.now()

	if res.Failure != nil {
		slog.Warn("Expert invocation failed", "expert_id", call.ExpertID, "round", call.Round,
			"kind", res.Failure.Kind, "error", res.Failure.Message)
	}
	return res
}

func safeRespond(ctx context.Context, ag Agent, req Request) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return ag.Respond(ctx, req)
}

func classify(out outcome) (*Reply, *panel.Failure) {
	if out.err != nil {
		kind := panel.FailureAgentError
		if errors.Is(out.err, ErrInvalidResponse) {
			kind = panel.FailureInvalidResponse
		} else if errors.Is(out.err, context.DeadlineExceeded) {
			kind = panel.FailureTimeout
		}
		return nil, &panel.Failure{Kind: kind, Message: out.err.Error()}
	}
	if err := validateReply(out.reply); err != nil {
		return nil, &panel.Failure{Kind: panel.FailureInvalidResponse, Message: err.Error()}
	}
	return out.reply, nil
}

func validateReply(r *Reply) error {
	if r == nil {
		return fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}
	if r.Confidence != nil {
		c := *r.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResponse, c)
		}
	}
	return nil
}
