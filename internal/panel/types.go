// Package panel defines the data model shared by the orchestrator, the
// round scheduler, the consensus engine and the session store.
package panel

import (
	"time"
)

// Status is the lifecycle status of a panel.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// Mode selects how experts are invoked within a round.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeDebate     Mode = "debate"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeDebate:
		return true
	}
	return false
}

// RoundStatus is the status of a single round.
type RoundStatus string

const (
	RoundInProgress RoundStatus = "in_progress"
	RoundComplete   RoundStatus = "complete"
	RoundTimedOut   RoundStatus = "timed_out"
)

// Closed reports whether the round no longer accepts responses.
func (s RoundStatus) Closed() bool {
	return s == RoundComplete || s == RoundTimedOut
}

// Panel is one multi-expert deliberation run.
type Panel struct {
	ID           string    `json:"id"`
	Tenant       string    `json:"tenant"`
	Title        string    `json:"title,omitempty"`
	Prompt       string    `json:"prompt"`
	Experts      []string  `json:"experts"`
	Mode         Mode      `json:"mode"`
	Config       Config    `json:"config"`
	Status       Status    `json:"status"`
	CurrentRound int       `json:"current_round"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Round is one synchronized batch of expert invocations.
type Round struct {
	PanelID   string      `json:"panel_id"`
	Number    int         `json:"round_number"`
	Status    RoundStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// FailureKind classifies why an expert did not produce a usable response.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureAgentError      FailureKind = "agent_error"
	FailureInvalidResponse FailureKind = "invalid_response"
)

// Failure marks an ExpertResponse that carries no usable answer.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// ExpertResponse is one expert's contribution to one round.
type ExpertResponse struct {
	PanelID    string         `json:"panel_id"`
	Round      int            `json:"round_number"`
	ExpertID   string         `json:"expert_id"`
	Sequence   int64          `json:"sequence"`
	Text       string         `json:"text,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Failure    *Failure       `json:"failure,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Failed reports whether the response carries a failure marker.
func (r ExpertResponse) Failed() bool {
	return r.Failure != nil
}

// TimedOut reports whether the response is a timeout placeholder.
func (r ExpertResponse) TimedOut() bool {
	return r.Failure != nil && r.Failure.Kind == FailureTimeout
}

// ConsensusSnapshot is the consensus view computed after a round closed.
type ConsensusSnapshot struct {
	PanelID            string   `json:"panel_id"`
	Round              int      `json:"round_number"`
	Level              float64  `json:"level"`
	AgreementPoints    []string `json:"agreement_points"`
	DisagreementPoints []string `json:"disagreement_points"`
	ResponseCount      int      `json:"response_count"`
	Strategy           string   `json:"strategy,omitempty"`
}

// Float returns a pointer to v, for optional confidence values.
func Float(v float64) *float64 {
	return &v
}
