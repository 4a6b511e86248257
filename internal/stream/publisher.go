package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/KafPanel/internal/timeline"
)

// ErrClosed is returned when publishing after a terminal event.
var ErrClosed = errors.New("event stream closed")

// Sink receives every published event after it was sequenced, e.g. a
// Kafka mirror. Sinks must not block.
type Sink interface {
	Mirror(ctx context.Context, e Event) error
}

// Publisher assigns per-panel sequence numbers, appends events to the
// store and wakes subscribers. Subscribers read from the store, so a slow
// subscriber never holds up a publisher. A panel's in-memory state is
// dropped once its log is closed and nobody uses it.
type Publisher struct {
	store timeline.Store
	sinks []Sink
	now   func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	// refs counts callers pinning the topic; guarded by Publisher.mu.
	refs int

	// mu serializes publishes for one panel.
	mu     sync.Mutex
	loaded atomic.Bool
	last   int64
	closed atomic.Bool

	// sig guards notify and held; it is never held across store calls.
	sig    sync.Mutex
	notify chan struct{}
	held   []Event
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSink adds a mirror sink.
func WithSink(s Sink) Option {
	return func(p *Publisher) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher returns a Publisher over store.
func NewPublisher(store timeline.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		now:    time.Now,
		topics: make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// acquire returns panelID's topic and pins it until release.
func (p *Publisher) acquire(panelID string) *topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[panelID]
	if !ok {
		t = &topic{notify: make(chan struct{})}
		p.topics[panelID] = t
	}
	t.refs++
	return t
}

// release unpins t. An unpinned topic that is closed or was never loaded,
// and holds nothing in memory, is dropped; the next acquire reloads its
// tail from the store.
func (p *Publisher) release(panelID string, t *topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.refs--
	if t.refs > 0 || p.topics[panelID] != t || (t.loaded.Load() && !t.closed.Load()) {
		return
	}
	t.sig.Lock()
	held := len(t.held)
	t.sig.Unlock()
	if held == 0 {
		delete(p.topics, panelID)
	}
}

// heldAfter returns the in-memory events of panelID after the sequence
// without creating a topic.
func (p *Publisher) heldAfter(panelID string, after int64) []Event {
	p.mu.Lock()
	t := p.topics[panelID]
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.heldAfter(after)
}

// load reads the log tail once per topic. Callers hold t.mu.
func (p *Publisher) load(ctx context.Context, panelID string, t *topic) error {
	if t.loaded.Load() {
		return nil
	}
	last, err := p.store.LastEventSequence(ctx, panelID)
	if err != nil {
		return err
	}
	if last > 0 {
		recs, err := p.store.ListEvents(ctx, panelID, last-1, 1)
		if err != nil {
			return err
		}
		if len(recs) == 1 && Type(recs[0].Type).Terminal() {
			t.closed.Store(true)
		}
	}
	t.last = last
	t.loaded.Store(true)
	return nil
}

// Publish appends payload as the next event of panelID. If a terminal error
// event cannot be persisted it is kept in memory and still delivered to
// subscribers; the store error is returned alongside the event.
func (p *Publisher) Publish(ctx context.Context, panelID string, payload Payload) (Event, error) {
	t := p.acquire(panelID)
	defer p.release(panelID, t)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := p.load(ctx, panelID, t); err != nil {
		if payload.Type() != TypeError {
			return Event{}, fmt.Errorf("load event log: %w", err)
		}
		// The store is gone; sequence the error after whatever we last saw.
		t.loaded.Store(true)
	}
	if t.closed.Load() {
		return Event{}, fmt.Errorf("panel %s: %w", panelID, ErrClosed)
	}

	ev := Event{
		PanelID:   panelID,
		Sequence:  t.last + 1,
		Type:      payload.Type(),
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}
	rec, err := ev.Record()
	if err != nil {
		return Event{}, err
	}
	ev.data = rec.Data

	if err := p.store.AppendEvent(ctx, rec); err != nil {
		if ev.Type != TypeError {
			return Event{}, fmt.Errorf("append event: %w", err)
		}
		slog.Error("Terminal error event not persisted, holding in memory",
			"panel_id", panelID, "sequence", ev.Sequence, "error", err)
		p.commit(t, ev, true)
		return ev, fmt.Errorf("append event: %w", err)
	}
	p.commit(t, ev, false)
	return ev, nil
}

func (p *Publisher) commit(t *topic, ev Event, hold bool) {
	t.last = ev.Sequence
	if ev.Terminal() {
		t.closed.Store(true)
	}
	t.sig.Lock()
	if hold {
		t.held = append(t.held, ev)
	}
	close(t.notify)
	t.notify = make(chan struct{})
	t.sig.Unlock()

	for _, s := range p.sinks {
		if err := s.Mirror(context.Background(), ev); err != nil {
			slog.Warn("Event mirror failed", "panel_id", ev.PanelID, "sequence", ev.Sequence, "error", err)
		}
	}
}

func (t *topic) wait() <-chan struct{} {
	t.sig.Lock()
	defer t.sig.Unlock()
	return t.notify
}

func (t *topic) heldAfter(after int64) []Event {
	t.sig.Lock()
	defer t.sig.Unlock()
	var out []Event
	for _, e := range t.held {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out
}

// History returns the events of panelID after the given sequence,
// including any held in memory.
func (p *Publisher) History(ctx context.Context, panelID string, after int64) ([]Event, error) {
	recs, err := p.store.ListEvents(ctx, panelID, after, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(recs))
	for _, r := range recs {
		ev, err := FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	last := after
	if len(out) > 0 {
		last = out[len(out)-1].Sequence
	}
	return append(out, p.heldAfter(panelID, last)...), nil
}

// Closed reports whether panelID's log ends with a terminal event.
func (p *Publisher) Closed(ctx context.Context, panelID string) (bool, error) {
	t := p.acquire(panelID)
	defer p.release(panelID, t)
	return p.closed(ctx, panelID, t)
}

func (p *Publisher) closed(ctx context.Context, panelID string, t *topic) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := p.load(ctx, panelID, t); err != nil {
		return false, err
	}
	return t.closed.Load(), nil
}

// Subscribe returns a cursor over panelID's events with Sequence > after.
func (p *Publisher) Subscribe(ctx context.Context, panelID string, after int64) (*Subscription, error) {
	if _, err := p.store.GetPanel(ctx, panelID); err != nil {
		return nil, err
	}
	if after < 0 {
		after = 0
	}
	return &Subscription{pub: p, panelID: panelID, cursor: after}, nil
}

const subscriptionBatch = 256

// Subscription is an independent, gapless cursor over one panel's events.
// It is not safe for concurrent use.
type Subscription struct {
	pub     *Publisher
	panelID string
	cursor  int64
	buf     []Event
	done    bool
}

// Cursor returns the sequence of the last delivered event.
func (s *Subscription) Cursor() int64 { return s.cursor }

// Next blocks until the next event is available. It returns io.EOF after
// the terminal event was delivered, or when the log already ended before
// the cursor.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			if ev.Sequence != s.cursor+1 {
				return Event{}, fmt.Errorf("event log gap: expected %d, got %d", s.cursor+1, ev.Sequence)
			}
			s.cursor = ev.Sequence
			if ev.Terminal() {
				s.done = true
				s.buf = nil
			}
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		t := s.pub.acquire(s.panelID)
		wait, err := s.poll(ctx, t)
		if err == nil && wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		s.pub.release(s.panelID, t)
		if err != nil {
			return Event{}, err
		}
	}
}

// poll buffers whatever follows the cursor in the store or in memory. It
// returns the channel to wait on when nothing new exists yet.
func (s *Subscription) poll(ctx context.Context, t *topic) (<-chan struct{}, error) {
	wait := t.wait()

	recs, err := s.pub.store.ListEvents(ctx, s.panelID, s.cursor, subscriptionBatch)
	if err != nil {
		if held := t.heldAfter(s.cursor); len(held) > 0 {
			s.buf = held
			return nil, nil
		}
		return nil, err
	}
	if len(recs) > 0 {
		for _, r := range recs {
			ev, err := FromRecord(r)
			if err != nil {
				return nil, err
			}
			s.buf = append(s.buf, ev)
		}
		return nil, nil
	}
	if held := t.heldAfter(s.cursor); len(held) > 0 {
		s.buf = held
		return nil, nil
	}
	closed, err := s.pub.closed(ctx, s.panelID, t)
	if err != nil {
		return nil, err
	}
	if closed {
		// The terminal event may have landed after the read above.
		if tail, err := s.pub.History(ctx, s.panelID, s.cursor); err == nil && len(tail) > 0 {
			s.buf = tail
			return nil, nil
		}
		s.done = true
		return nil, nil
	}
	return wait, nil
}
