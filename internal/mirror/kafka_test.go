package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/KafPanel/internal/stream"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	block  chan struct{}
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestBuildMessageKeysByPanel(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	msg, err := buildMessage(stream.Event{
		PanelID: "p-42", Sequence: 3, Type: stream.TypeRoundStarted,
		Payload: stream.RoundStarted{Round: 2}, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
	if string(msg.Key) != "p-42" || !msg.Time.Equal(ts) {
		t.Fatalf("unexpected message %+v", msg)
	}
	var frame stream.Frame
	if err := json.Unmarshal(msg.Value, &frame); err != nil {
		t.Fatalf("value is not a frame: %v", err)
	}
	if frame.Type != stream.TypeRoundStarted || frame.Sequence != 3 || string(frame.Data) != `{"round_number":2}` {
		t.Fatalf("frame = %+v", frame)
	}
	if string(msg.Headers[0].Value) != "round_started" || string(msg.Headers[1].Value) != "3" {
		t.Fatalf("headers = %+v", msg.Headers)
	}
}

func TestMirrorFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	m := newKafkaMirror(Config{Topic: "panels"}, w)
	for i := 1; i <= 5; i++ {
		if err := m.Mirror(context.Background(), stream.Event{PanelID: "p1", Sequence: int64(i), Type: stream.TypeStarted, Payload: stream.Started{}}); err != nil {
			t.Fatalf("mirror: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(w.msgs) != 5 || !w.closed {
		t.Fatalf("expected 5 flushed messages and a closed writer, got %d", len(w.msgs))
	}
	if err := m.Mirror(context.Background(), stream.Event{PanelID: "p1", Sequence: 6, Type: stream.TypeComplete, Payload: stream.Complete{}}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestMirrorDropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := newKafkaMirror(Config{Topic: "panels", Buffer: 1}, w)
	ev := stream.Event{PanelID: "p1", Type: stream.TypeStarted, Payload: stream.Started{}}

	var errs int
	for i := 0; i < 10; i++ {
		ev.Sequence = int64(i + 1)
		if err := m.Mirror(context.Background(), ev); err != nil {
			errs++
		}
	}
	if errs == 0 || m.Dropped() != int64(errs) {
		t.Fatalf("expected drops, errs=%d dropped=%d", errs, m.Dropped())
	}
	close(w.block)
	_ = m.Close()
}

func TestConfigEnabled(t *testing.T) {
	if (Config{Brokers: "localhost:9092"}).Enabled() {
		t.Fatal("topic is required")
	}
	if !(Config{Brokers: "a:9092,b:9092", Topic: "t"}).Enabled() {
		t.Fatal("expected enabled")
	}
	if _, err := NewKafkaMirror(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}
