package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/KafPanel/internal/stream"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Tailer consumes mirrored panel events back off the topic.
type Tailer struct {
	r     messageReader
	group string
}

// NewTailer reads the mirror topic as consumer group. An empty group gets a
// throwaway name, so the reader starts fresh at the oldest or newest offset.
func NewTailer(cfg Config, group string, fromBeginning bool) (*Tailer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("mirror: brokers and topic are required")
	}
	if group == "" {
		group = "kafpanel-tail-" + uuid.NewString()
	}
	rc := kafka.ReaderConfig{
		Brokers:  cfg.brokerList(),
		Topic:    cfg.Topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	if fromBeginning {
		rc.StartOffset = kafka.FirstOffset
	} else {
		rc.StartOffset = kafka.LastOffset
	}
	return newTailer(kafka.NewReader(rc), group), nil
}

func newTailer(r messageReader, group string) *Tailer {
	return &Tailer{r: r, group: group}
}

// Run calls fn for every decoded event whose panel matches panelID (all
// panels when empty) until ctx ends or fn returns an error. Undecodable
// messages are logged and skipped.
func (t *Tailer) Run(ctx context.Context, panelID string, fn func(stream.Event) error) error {
	for {
		msg, err := t.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mirror: fetch: %w", err)
		}
		if panelID == "" || string(msg.Key) == panelID {
			var e stream.Event
			if err := e.UnmarshalJSON(msg.Value); err != nil {
				slog.Warn("Skipping undecodable mirror message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			} else if err := fn(e); err != nil {
				return err
			}
		}
		if err := t.r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Warn("Mirror commit failed", "group", t.group, "offset", msg.Offset, "error", err)
		}
	}
}

// Close stops the reader.
func (t *Tailer) Close() error {
	return t.r.Close()
}
