package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ScriptedReply is one canned answer.
type ScriptedReply struct {
	Text       string
	Confidence *float64
	Metadata   map[string]any
}

// ScriptedAgent answers from a fixed script: reply i is used for round i+1
// and the last reply repeats. Used for dry runs and tests.
type ScriptedAgent struct {
	Replies []ScriptedReply
	// Delay is waited before answering; the wait honors ctx.
	Delay time.Duration
	// Err, when set, is returned instead of a reply.
	Err error
	// Panic, when set, makes Respond panic with this value.
	Panic any
}

// Scripted returns a ScriptedAgent answering with texts, one per round.
func Scripted(texts ...string) *ScriptedAgent {
	s := &ScriptedAgent{}
	for _, t := range texts {
		s.Replies = append(s.Replies, ScriptedReply{Text: t})
	}
	return s
}

func (s *ScriptedAgent) Respond(ctx context.Context, req Request) (*Reply, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.Panic != nil {
		panic(s.Panic)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Replies) == 0 {
		return nil, fmt.Errorf("%w: no scripted replies", ErrInvalidResponse)
	}
	idx := req.Round - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Replies) {
		idx = len(s.Replies) - 1
	}
	r := s.Replies[idx]
	meta := map[string]any{"scripted": true}
	for k, v := range r.Metadata {
		meta[k] = v
	}
	return &Reply{Text: r.Text, Confidence: r.Confidence, Metadata: meta}, nil
}

// errScripted is the error configured through the catalog "fail" field.
var errScripted = errors.New("scripted failure")
