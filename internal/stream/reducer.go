package stream

import (
	"github.com/KafClaw/KafPanel/internal/panel"
)

// RoundView is one round as seen through the event log.
type RoundView struct {
	Number    int                      `json:"round_number"`
	Status    panel.RoundStatus        `json:"status"`
	Responses []panel.ExpertResponse   `json:"responses"`
	Consensus *panel.ConsensusSnapshot `json:"consensus,omitempty"`
}

// View is the panel state derived from its events alone.
type View struct {
	PanelID      string                    `json:"panel_id"`
	Status       panel.Status              `json:"status"`
	CurrentRound int                       `json:"current_round"`
	Rounds       []RoundView               `json:"rounds"`
	Consensus    *panel.ConsensusSnapshot  `json:"consensus,omitempty"`
	History      []panel.ConsensusSnapshot `json:"consensus_history"`
	Error        string                    `json:"error,omitempty"`
	LastSequence int64                     `json:"last_sequence"`
}

// NewView returns the view of a panel with no events.
func NewView(panelID string) View {
	return View{PanelID: panelID, Status: panel.StatusPending, Rounds: []RoundView{}, History: []panel.ConsensusSnapshot{}}
}

// Fold applies events in order to an empty view.
func Fold(events []Event) View {
	var v View
	if len(events) > 0 {
		v = NewView(events[0].PanelID)
	} else {
		v = NewView("")
	}
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Apply folds one event into v. Events at or below LastSequence are ignored.
func (v *View) Apply(e Event) {
	if e.Sequence != 0 && e.Sequence <= v.LastSequence {
		return
	}
	if v.PanelID == "" {
		v.PanelID = e.PanelID
	}
	if e.Sequence > 0 {
		v.LastSequence = e.Sequence
	}

	switch p := e.Payload.(type) {
	case Started:
		v.Status = panel.StatusRunning
	case Paused:
		v.Status = panel.StatusPaused
	case Resumed:
		v.Status = panel.StatusRunning
	case RoundStarted:
		v.CurrentRound = p.Round
		if v.round(p.Round) == nil {
			v.Rounds = append(v.Rounds, RoundView{Number: p.Round, Status: panel.RoundInProgress, Responses: []panel.ExpertResponse{}})
		}
	case ExpertSpeaking:
		r := v.round(p.Round)
		if r == nil {
			v.Rounds = append(v.Rounds, RoundView{Number: p.Round, Status: panel.RoundInProgress})
			r = &v.Rounds[len(v.Rounds)-1]
		}
		r.Responses = append(r.Responses, p.ExpertResponse)
	case RoundComplete:
		if r := v.round(p.Round); r != nil {
			r.Status = p.Status
		}
	case Consensus:
		snap := p.ConsensusSnapshot
		v.Consensus = &snap
		v.History = append(v.History, snap)
		if r := v.round(snap.Round); r != nil {
			r.Consensus = &snap
		}
	case Complete:
		v.Status = panel.StatusCompleted
	case Cancelled:
		v.Status = panel.StatusCancelled
	case Error:
		v.Status = panel.StatusErrored
		v.Error = p.Message
	}
}

func (v *View) round(n int) *RoundView {
	for i := range v.Rounds {
		if v.Rounds[i].Number == n {
			return &v.Rounds[i]
		}
	}
	return nil
}

// Responses returns every response in the view in sequence order.
func (v View) Responses() []panel.ExpertResponse {
	var out []panel.ExpertResponse
	for _, r := range v.Rounds {
		out = append(out, r.Responses...)
	}
	return out
}

// OpenRound returns the last round if it has not closed.
func (v View) OpenRound() (RoundView, bool) {
	if len(v.Rounds) == 0 {
		return RoundView{}, false
	}
	last := v.Rounds[len(v.Rounds)-1]
	return last, last.Status == panel.RoundInProgress
}

// RoundClosedWithoutConsensus reports whether the last round closed but its
// consensus event was never written.
func (v View) RoundClosedWithoutConsensus() bool {
	if len(v.Rounds) == 0 {
		return false
	}
	last := v.Rounds[len(v.Rounds)-1]
	return last.Status.Closed() && last.Consensus == nil
}
