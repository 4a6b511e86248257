// Package timeline persists panels, rounds, expert responses, consensus
// snapshots and the append-only event log that subscribers replay from.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
)

var (
	// ErrNotFound is returned when a panel or round does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRoundClosed is returned when writing into a round that is no longer in progress.
	ErrRoundClosed = errors.New("round already closed")
	// ErrRoundOrder is returned when a round number would leave a gap.
	ErrRoundOrder = errors.New("round numbers must be contiguous")
	// ErrDuplicate is returned for a second response by the same expert in one round.
	ErrDuplicate = errors.New("duplicate record")
	// ErrSequenceConflict is returned when an event does not extend the log by exactly one.
	ErrSequenceConflict = errors.New("event sequence conflict")
)

// EventRecord is one persisted stream event. Data holds the encoded payload.
type EventRecord struct {
	PanelID   string          `json:"panel_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// PanelState is the mutable part of a panel row.
type PanelState struct {
	Status       panel.Status
	CurrentRound int
	Error        string
	UpdatedAt    time.Time
}

// PanelFilter narrows ListPanels.
type PanelFilter struct {
	Tenant   string
	Statuses []panel.Status
	Limit    int
}

// Store is the panel session store. Writes for one panel are serialized;
// writes for different panels proceed independently.
type Store interface {
	CreatePanel(ctx context.Context, p *panel.Panel) error
	GetPanel(ctx context.Context, id string) (*panel.Panel, error)
	ListPanels(ctx context.Context, filter PanelFilter) ([]panel.Panel, error)
	UpdatePanelState(ctx context.Context, id string, st PanelState) error

	CreateRound(ctx context.Context, r *panel.Round) error
	CloseRound(ctx context.Context, panelID string, number int, status panel.RoundStatus, endedAt time.Time) error
	ListRounds(ctx context.Context, panelID string) ([]panel.Round, error)

	AddResponse(ctx context.Context, r *panel.ExpertResponse) error
	ListResponses(ctx context.Context, panelID string, throughRound int) ([]panel.ExpertResponse, error)

	SaveConsensus(ctx context.Context, s *panel.ConsensusSnapshot) error
	ListConsensus(ctx context.Context, panelID string) ([]panel.ConsensusSnapshot, error)

	AppendEvent(ctx context.Context, e EventRecord) error
	ListEvents(ctx context.Context, panelID string, after int64, limit int) ([]EventRecord, error)
	LastEventSequence(ctx context.Context, panelID string) (int64, error)

	Close() error
}

func matchesFilter(p *panel.Panel, f PanelFilter) bool {
	if f.Tenant != "" && p.Tenant != f.Tenant {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}
