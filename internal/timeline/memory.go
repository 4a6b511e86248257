package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
)

// MemoryStore is a process-local Store. It is used by tests, dry runs and
// the "memory" store driver. Each panel has its own lock, so panels never
// contend with each other.
type MemoryStore struct {
	// mu guards the panels map only.
	mu     sync.RWMutex
	panels map[string]*memoryPanel
}

type memoryPanel struct {
	mu        sync.RWMutex
	panel     panel.Panel
	rounds    []panel.Round
	responses []panel.ExpertResponse
	consensus []panel.ConsensusSnapshot
	events    []EventRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		panels: make(map[string]*memoryPanel),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) get(id string) (*memoryPanel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.panels[id]
	if !ok {
		return nil, fmt.Errorf("panel %s: %w", id, ErrNotFound)
	}
	return mp, nil
}

func clonePanel(p panel.Panel) panel.Panel {
	p.Experts = append([]string(nil), p.Experts...)
	return p
}

func (s *MemoryStore) CreatePanel(_ context.Context, p *panel.Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.panels[p.ID]; ok {
		return fmt.Errorf("panel %s: %w", p.ID, ErrDuplicate)
	}
	s.panels[p.ID] = &memoryPanel{panel: clonePanel(*p)}
	return nil
}

func (s *MemoryStore) GetPanel(_ context.Context, id string) (*panel.Panel, error) {
	mp, err := s.get(id)
	if err != nil {
		return nil, err
	}
	mp.mu.RLock()
	p := clonePanel(mp.panel)
	mp.mu.RUnlock()
	return &p, nil
}

func (s *MemoryStore) ListPanels(_ context.Context, filter PanelFilter) ([]panel.Panel, error) {
	s.mu.RLock()
	var out []panel.Panel
	for _, mp := range s.panels {
		mp.mu.RLock()
		if matchesFilter(&mp.panel, filter) {
			out = append(out, clonePanel(mp.panel))
		}
		mp.mu.RUnlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdatePanelState(_ context.Context, id string, st PanelState) error {
	mp, err := s.get(id)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.panel.Status = st.Status
	mp.panel.CurrentRound = st.CurrentRound
	mp.panel.Error = st.Error
	mp.panel.UpdatedAt = st.UpdatedAt
	return nil
}

func (s *MemoryStore) CreateRound(_ context.Context, r *panel.Round) error {
	mp, err := s.get(r.PanelID)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if r.Number != len(mp.rounds)+1 {
		return fmt.Errorf("round %d after %d: %w", r.Number, len(mp.rounds), ErrRoundOrder)
	}
	mp.rounds = append(mp.rounds, *r)
	return nil
}

func (s *MemoryStore) CloseRound(_ context.Context, panelID string, number int, status panel.RoundStatus, endedAt time.Time) error {
	mp, err := s.get(panelID)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if number < 1 || number > len(mp.rounds) {
		return fmt.Errorf("round %d: %w", number, ErrNotFound)
	}
	r := &mp.rounds[number-1]
	if r.Status.Closed() {
		return fmt.Errorf("round %d: %w", number, ErrRoundClosed)
	}
	r.Status = status
	ended := endedAt
	r.EndedAt = &ended
	return nil
}

func (s *MemoryStore) ListRounds(_ context.Context, panelID string) ([]panel.Round, error) {
	mp, err := s.get(panelID)
	if err != nil {
		return nil, nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return append([]panel.Round(nil), mp.rounds...), nil
}

func (s *MemoryStore) AddResponse(_ context.Context, r *panel.ExpertResponse) error {
	mp, err := s.get(r.PanelID)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if r.Round < 1 || r.Round > len(mp.rounds) {
		return fmt.Errorf("round %d: %w", r.Round, ErrNotFound)
	}
	if mp.rounds[r.Round-1].Status.Closed() {
		return fmt.Errorf("round %d: %w", r.Round, ErrRoundClosed)
	}
	for _, existing := range mp.responses {
		if existing.Sequence == r.Sequence || (existing.Round == r.Round && existing.ExpertID == r.ExpertID) {
			return fmt.Errorf("response %s/%d/%s: %w", r.PanelID, r.Round, r.ExpertID, ErrDuplicate)
		}
	}
	mp.responses = append(mp.responses, *r)
	sort.SliceStable(mp.responses, func(i, j int) bool { return mp.responses[i].Sequence < mp.responses[j].Sequence })
	return nil
}

func (s *MemoryStore) ListResponses(_ context.Context, panelID string, throughRound int) ([]panel.ExpertResponse, error) {
	mp, err := s.get(panelID)
	if err != nil {
		return nil, nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	var out []panel.ExpertResponse
	for _, r := range mp.responses {
		if throughRound > 0 && r.Round > throughRound {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) SaveConsensus(_ context.Context, snap *panel.ConsensusSnapshot) error {
	mp, err := s.get(snap.PanelID)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, existing := range mp.consensus {
		if existing.Round == snap.Round {
			return fmt.Errorf("consensus %s/%d: %w", snap.PanelID, snap.Round, ErrDuplicate)
		}
	}
	cp := *snap
	cp.AgreementPoints = nonNil(append([]string(nil), snap.AgreementPoints...))
	cp.DisagreementPoints = nonNil(append([]string(nil), snap.DisagreementPoints...))
	mp.consensus = append(mp.consensus, cp)
	sort.Slice(mp.consensus, func(i, j int) bool { return mp.consensus[i].Round < mp.consensus[j].Round })
	return nil
}

func (s *MemoryStore) ListConsensus(_ context.Context, panelID string) ([]panel.ConsensusSnapshot, error) {
	mp, err := s.get(panelID)
	if err != nil {
		return nil, nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return append([]panel.ConsensusSnapshot(nil), mp.consensus...), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e EventRecord) error {
	mp, err := s.get(e.PanelID)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	last := int64(len(mp.events))
	if e.Sequence != last+1 {
		return fmt.Errorf("append %d after %d: %w", e.Sequence, last, ErrSequenceConflict)
	}
	e.Data = append(json.RawMessage(nil), e.Data...)
	mp.events = append(mp.events, e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, panelID string, after int64, limit int) ([]EventRecord, error) {
	mp, err := s.get(panelID)
	if err != nil {
		return nil, nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(mp.events)) {
		return nil, nil
	}
	out := mp.events[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]EventRecord(nil), out...), nil
}

func (s *MemoryStore) LastEventSequence(_ context.Context, panelID string) (int64, error) {
	mp, err := s.get(panelID)
	if err != nil {
		return 0, nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return int64(len(mp.events)), nil
}
