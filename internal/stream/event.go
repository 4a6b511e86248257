// Package stream publishes the ordered, resumable event log of each panel
// and folds it back into a panel view.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

// Type names an event variant.
type Type string

const (
	TypeStarted        Type = "started"
	TypeRoundStarted   Type = "round_started"
	TypeExpertSpeaking Type = "expert_speaking"
	TypeRoundComplete  Type = "round_complete"
	TypeConsensus      Type = "consensus"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
	TypePaused         Type = "paused"
	TypeResumed        Type = "resumed"
	TypeCancelled      Type = "cancelled"
)

// Terminal reports whether no event may follow t.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	Type() Type
	payload()
}

type Started struct{}

type RoundStarted struct {
	Round int `json:"round_number"`
}

type ExpertSpeaking struct {
	panel.ExpertResponse
}

type RoundComplete struct {
	Round  int               `json:"round_number"`
	Status panel.RoundStatus `json:"status"`
}

type Consensus struct {
	panel.ConsensusSnapshot
}

type Complete struct{}

type Error struct {
	Message string `json:"message"`
}

type Paused struct{}

type Resumed struct{}

type Cancelled struct{}

func (Started) Type() Type        { return TypeStarted }
func (RoundStarted) Type() Type   { return TypeRoundStarted }
func (ExpertSpeaking) Type() Type { return TypeExpertSpeaking }
func (RoundComplete) Type() Type  { return TypeRoundComplete }
func (Consensus) Type() Type      { return TypeConsensus }
func (Complete) Type() Type       { return TypeComplete }
func (Error) Type() Type          { return TypeError }
func (Paused) Type() Type         { return TypePaused }
func (Resumed) Type() Type        { return TypeResumed }
func (Cancelled) Type() Type      { return TypeCancelled }

func (Started) payload()        {}
func (RoundStarted) payload()   {}
func (ExpertSpeaking) payload() {}
func (RoundComplete) payload()  {}
func (Consensus) payload()      {}
func (Complete) payload()       {}
func (Error) payload()          {}
func (Paused) payload()         {}
func (Resumed) payload()        {}
func (Cancelled) payload()      {}

// DecodePayload decodes data into the payload variant named by t.
func DecodePayload(t Type, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeStarted:
		p = &Started{}
	case TypeRoundStarted:
		p = &RoundStarted{}
	case TypeExpertSpeaking:
		p = &ExpertSpeaking{}
	case TypeRoundComplete:
		p = &RoundComplete{}
	case TypeConsensus:
		p = &Consensus{}
	case TypeComplete:
		p = &Complete{}
	case TypeError:
		p = &Error{}
	case TypePaused:
		p = &Paused{}
	case TypeResumed:
		p = &Resumed{}
	case TypeCancelled:
		p = &Cancelled{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Started:
		return *v
	case *RoundStarted:
		return *v
	case *ExpertSpeaking:
		return *v
	case *RoundComplete:
		return *v
	case *Consensus:
		return *v
	case *Complete:
		return *v
	case *Error:
		return *v
	case *Paused:
		return *v
	case *Resumed:
		return *v
	case *Cancelled:
		return *v
	}
	return p
}

// Event is one entry of a panel's log.
type Event struct {
	PanelID   string
	Sequence  int64
	Type      Type
	Payload   Payload
	Timestamp time.Time

	// data is the encoded payload as persisted, reused verbatim on the wire.
	data json.RawMessage
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool { return e.Type.Terminal() }

// Data returns the encoded payload.
func (e Event) Data() (json.RawMessage, error) {
	if e.data != nil {
		return e.data, nil
	}
	if e.Payload == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return b, nil
}

// Frame is the wire form of an event.
type Frame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Sequence  int64           `json:"sequence"`
	PanelID   string          `json:"panel_id"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := e.Data()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:      e.Type,
		Data:      data,
		Sequence:  e.Sequence,
		PanelID:   e.PanelID,
		Timestamp: e.Timestamp,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	p, err := DecodePayload(f.Type, f.Data)
	if err != nil {
		return err
	}
	*e = Event{
		PanelID:   f.PanelID,
		Sequence:  f.Sequence,
		Type:      f.Type,
		Payload:   p,
		Timestamp: f.Timestamp,
		data:      append(json.RawMessage(nil), f.Data...),
	}
	return nil
}

// Record converts e into its stored form.
func (e Event) Record() (timeline.EventRecord, error) {
	data, err := e.Data()
	if err != nil {
		return timeline.EventRecord{}, err
	}
	return timeline.EventRecord{
		PanelID:   e.PanelID,
		Sequence:  e.Sequence,
		Type:      string(e.Type),
		Data:      data,
		Timestamp: e.Timestamp,
	}, nil
}

// FromRecord decodes a stored event.
func FromRecord(r timeline.EventRecord) (Event, error) {
	t := Type(r.Type)
	p, err := DecodePayload(t, r.Data)
	if err != nil {
		return Event{}, fmt.Errorf("event %s/%d: %w", r.PanelID, r.Sequence, err)
	}
	return Event{
		PanelID:   r.PanelID,
		Sequence:  r.Sequence,
		Type:      t,
		Payload:   p,
		Timestamp: r.Timestamp.UTC(),
		data:      r.Data,
	}, nil
}
