// Package mirror copies panel events onto Kafka for downstream consumers.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/KafPanel/internal/stream"
)

// Config selects the brokers and topic events are mirrored to.
type Config struct {
	Brokers      string        `json:"brokers" envconfig:"BROKERS"`
	Topic        string        `json:"topic" envconfig:"TOPIC"`
	Buffer       int           `json:"buffer" envconfig:"BUFFER"`
	WriteTimeout time.Duration `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
}

// Enabled reports whether brokers and topic are set.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Brokers) != "" && strings.TrimSpace(c.Topic) != ""
}

func (c Config) brokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror is a stream.Sink that produces every event to one topic,
// keyed by panel id so a panel's events stay in one partition in order.
// Mirror never blocks the publisher: events are queued and written by a
// background goroutine, and dropped with a warning when the queue is full.
type KafkaMirror struct {
	topic   string
	timeout time.Duration
	w       messageWriter
	queue   chan kafka.Message

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int64
}

// NewKafkaMirror dials nothing up front; the writer connects lazily.
func NewKafkaMirror(cfg Config) (*KafkaMirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("mirror: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.brokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaMirror(cfg, w), nil
}

func newKafkaMirror(cfg Config, w messageWriter) *KafkaMirror {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	m := &KafkaMirror{
		topic:   cfg.Topic,
		timeout: cfg.WriteTimeout,
		w:       w,
		queue:   make(chan kafka.Message, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Mirror queues e for production.
func (m *KafkaMirror) Mirror(_ context.Context, e stream.Event) error {
	msg, err := buildMessage(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mirror: closed")
	}
	select {
	case m.queue <- msg:
		return nil
	default:
		m.dropped++
		return fmt.Errorf("mirror: queue full, dropped %s/%d", e.PanelID, e.Sequence)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (m *KafkaMirror) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *KafkaMirror) run() {
	defer close(m.done)
	for msg := range m.queue {
		m.write(msg)
	}
}

func (m *KafkaMirror) write(msg kafka.Message) {
	const maxRetries = 3
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err = m.w.WriteMessages(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		if !errors.Is(err, kafka.NotLeaderForPartition) && !errors.Is(err, kafka.LeaderNotAvailable) {
			break
		}
	}
	slog.Warn("Kafka mirror write failed", "topic", m.topic, "key", string(msg.Key), "error", err)
}

// Close flushes queued events and closes the writer.
func (m *KafkaMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	return m.w.Close()
}

func buildMessage(e stream.Event) (kafka.Message, error) {
	value, err := e.MarshalJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("mirror: encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.PanelID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "sequence", Value: []byte(fmt.Sprintf("%d", e.Sequence))},
		},
		Time: e.Timestamp,
	}, nil
}
