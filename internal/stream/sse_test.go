package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
)

func TestSSERoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []Event{
		{PanelID: "p1", Sequence: 1, Type: TypeStarted, Payload: Started{}, Timestamp: ts},
		{PanelID: "p1", Sequence: 2, Type: TypeExpertSpeaking, Timestamp: ts, Payload: ExpertSpeaking{panel.ExpertResponse{
			PanelID: "p1", Round: 1, ExpertID: "sre", Sequence: 1, Text: "line one\nline two", Confidence: panel.Float(0.7),
		}}},
		{PanelID: "p1", Sequence: 3, Type: TypeComplete, Payload: Complete{}, Timestamp: ts},
	}

	var buf bytes.Buffer
	for i, e := range in {
		if err := WriteSSE(&buf, e); err != nil {
			t.Fatalf("write: %v", err)
		}
		if i == 0 {
			_ = WriteSSEComment(&buf, "keepalive")
		}
	}

	r := NewSSEReader(&buf)
	for _, want := range in {
		f, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if f.Event != string(want.Type) {
			t.Fatalf("event = %q, want %q", f.Event, want.Type)
		}
		got, err := f.Decode()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Sequence != want.Sequence || got.PanelID != "p1" || !got.Timestamp.Equal(ts) {
			t.Fatalf("decoded %+v", got)
		}
		if want.Type == TypeExpertSpeaking {
			es := got.Payload.(ExpertSpeaking)
			if es.Text != "line one\nline two" || *es.Confidence != 0.7 {
				t.Fatalf("payload = %+v", es)
			}
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestSSEFrameFormat(t *testing.T) {
	var buf bytes.Buffer
	e := Event{PanelID: "p1", Sequence: 7, Type: TypeRoundStarted, Payload: RoundStarted{Round: 2}}
	if err := WriteSSE(&buf, e); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "id: 7\nevent: round_started\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Fatalf("unexpected frame %q", out)
	}
	if !strings.Contains(out, `"data":{"round_number":2}`) {
		t.Fatalf("payload missing: %q", out)
	}
}

func TestSSEEndFrame(t *testing.T) {
	var buf bytes.Buffer
	e := Event{PanelID: "p1", Sequence: 7, Type: TypeComplete}
	if err := WriteSSE(&buf, e); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteSSEEnd(&buf, 7); err != nil {
		t.Fatalf("write end: %v", err)
	}
	r := NewSSEReader(&buf)
	f, err := r.Next()
	if err != nil || f.End() {
		t.Fatalf("first frame = %+v, %v", f, err)
	}
	f, err = r.Next()
	if err != nil || !f.End() || f.ID != "" || f.Data != `{"cursor":7}` {
		t.Fatalf("end frame = %+v, %v", f, err)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload("bogus", nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
	p, err := DecodePayload(TypeRoundComplete, []byte(`{"round_number":3,"status":"timed_out"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rc, ok := p.(RoundComplete)
	if !ok || rc.Round != 3 || rc.Status != panel.RoundTimedOut {
		t.Fatalf("payload = %#v", p)
	}
}
