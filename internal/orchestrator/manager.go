package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/consensus"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/scheduler"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

// Options wires a Manager.
type Options struct {
	Store     timeline.Store
	Publisher *stream.Publisher
	Scheduler *scheduler.Scheduler
	Registry  *agent.Registry
	Engine    *consensus.Engine
	Defaults  Defaults
	Now       func() time.Time
}

// Manager owns the runners of all live panels.
type Manager struct {
	store    timeline.Store
	pub      *stream.Publisher
	sched    *scheduler.Scheduler
	registry *agent.Registry
	engine   *consensus.Engine
	defaults Defaults
	now      func() time.Time

	base    context.Context
	stop    context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates a Manager. Publisher, Scheduler and Engine are built
// from the other options when nil.
func NewManager(opts Options) *Manager {
	if opts.Publisher == nil {
		opts.Publisher = stream.NewPublisher(opts.Store)
	}
	if opts.Registry == nil {
		opts.Registry = agent.NewRegistry()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(scheduler.DefaultConfig(), agent.NewInvoker(opts.Registry))
	}
	if opts.Engine == nil {
		opts.Engine = consensus.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Defaults.Mode == "" {
		opts.Defaults.Mode = DefaultDefaults().Mode
	}
	if opts.Defaults.Config == (panel.Config{}) {
		opts.Defaults.Config = DefaultDefaults().Config
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    opts.Store,
		pub:      opts.Publisher,
		sched:    opts.Scheduler,
		registry: opts.Registry,
		engine:   opts.Engine,
		defaults: opts.Defaults,
		now:      opts.Now,
		base:     base,
		stop:     stop,
		runners:  make(map[string]*Runner),
	}
}

// Store returns the session store.
func (m *Manager) Store() timeline.Store { return m.store }

// Publisher returns the event publisher.
func (m *Manager) Publisher() *stream.Publisher { return m.pub }

// Registry returns the expert registry.
func (m *Manager) Registry() *agent.Registry { return m.registry }

// Create stores a new pending panel. Unset fields take the defaults; an
// empty expert list takes the registry's default experts.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*panel.Panel, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}
	experts := make([]string, 0, len(req.Experts))
	for _, id := range req.Experts {
		if id = strings.TrimSpace(id); id != "" {
			experts = append(experts, id)
		}
	}
	if len(experts) == 0 {
		experts = m.registry.Defaults()
	}
	mode := req.Mode
	if mode == "" {
		mode = m.defaults.Mode
	}
	cfg := req.Config.apply(m.defaults.Config)
	if mode == panel.ModeDebate && req.Config.AllowDebate == nil {
		cfg.AllowDebate = true
	}

	now := m.now().UTC()
	p := panel.Panel{
		ID:        uuid.NewString(),
		Tenant:    req.Tenant,
		Title:     req.Title,
		Prompt:    req.Prompt,
		Experts:   experts,
		Mode:      mode,
		Config:    cfg,
		Status:    panel.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreatePanel(ctx, &p); err != nil {
		return nil, fmt.Errorf("create panel: %w", err)
	}
	m.mu.Lock()
	m.runners[p.ID] = newRunner(m, p, 0)
	m.mu.Unlock()
	slog.Info("Panel created", "panel_id", p.ID, "tenant", p.Tenant, "experts", len(p.Experts), "mode", p.Mode)
	return &p, nil
}

// runner returns the live runner for id, loading it from the store when
// the panel is not held in memory.
func (m *Manager) runner(ctx context.Context, id string) (*Runner, error) {
	m.mu.Lock()
	r, ok := m.runners[id]
	m.mu.Unlock()
	if ok {
		return r, nil
	}
	p, err := m.store.GetPanel(ctx, id)
	if errors.Is(err, timeline.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return newRunner(m, *p, 0), nil
	}
	lastSeq, err := m.lastResponseSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.register(newRunner(m, *p, lastSeq)), nil
}

// register adds r unless another runner for the panel got there first.
func (m *Manager) register(r *Runner) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.runners[r.id]; ok {
		return cur
	}
	m.runners[r.id] = r
	return r
}

func (m *Manager) lastResponseSequence(ctx context.Context, id string) (int64, error) {
	responses, err := m.store.ListResponses(ctx, id, 0)
	if err != nil {
		return 0, fmt.Errorf("load responses: %w", err)
	}
	var last int64
	for _, r := range responses {
		if r.Sequence > last {
			last = r.Sequence
		}
	}
	return last, nil
}

func (m *Manager) forget(r *Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.runners[r.id]; ok && cur == r {
		delete(m.runners, r.id)
	}
}

// Start validates the panel and begins round 1. An invalid panel ends
// errored and the validation error, wrapping panel.ErrInvalidConfig, is
// returned together with the panel.
func (m *Manager) Start(ctx context.Context, id string) (*panel.Panel, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}
	return m.apply(ctx, id, (*Runner).start)
}

// Pause stops the panel from scheduling further rounds. An in-flight round
// finishes; what follows it is decided on Resume.
func (m *Manager) Pause(ctx context.Context, id string) (*panel.Panel, error) {
	return m.apply(ctx, id, (*Runner).pause)
}

// Resume continues a paused panel.
func (m *Manager) Resume(ctx context.Context, id string) (*panel.Panel, error) {
	return m.apply(ctx, id, (*Runner).resume)
}

// Cancel stops the panel for good. Late agent results are discarded.
func (m *Manager) Cancel(ctx context.Context, id string) (*panel.Panel, error) {
	return m.apply(ctx, id, (*Runner).cancelPanel)
}

func (m *Manager) apply(ctx context.Context, id string, op func(*Runner, context.Context) error) (*panel.Panel, error) {
	r, err := m.runner(ctx, id)
	if err != nil {
		return nil, err
	}
	opErr := op(r, ctx)
	p := r.snapshot()
	return &p, opErr
}

// Get returns the stored panel.
func (m *Manager) Get(ctx context.Context, id string) (*panel.Panel, error) {
	p, err := m.store.GetPanel(ctx, id)
	if errors.Is(err, timeline.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, err
}

// List returns stored panels matching filter.
func (m *Manager) List(ctx context.Context, filter timeline.PanelFilter) ([]panel.Panel, error) {
	return m.store.ListPanels(ctx, filter)
}

// Subscribe returns a cursor over the panel's events after the given sequence.
func (m *Manager) Subscribe(ctx context.Context, id string, after int64) (*stream.Subscription, error) {
	sub, err := m.pub.Subscribe(ctx, id, after)
	if errors.Is(err, timeline.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return sub, err
}

// View folds the panel's event log.
func (m *Manager) View(ctx context.Context, id string) (stream.View, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return stream.View{}, err
	}
	events, err := m.pub.History(ctx, id, 0)
	if err != nil {
		return stream.View{}, err
	}
	v := stream.Fold(events)
	v.PanelID = id
	return v, nil
}

// Wait blocks until the panel's runner stops or ctx ends. Panels that are
// not running return immediately.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.runners[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	idle := !r.looping && r.p.Status == panel.StatusPending
	r.mu.Unlock()
	if idle {
		return nil
	}
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status summarizes the stored panels.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	panels, err := m.store.ListPanels(ctx, timeline.PanelFilter{})
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Panels:   make(map[panel.Status]int),
		Experts:  len(m.registry.Experts()),
		Strategy: m.engine.Strategy().Name(),
	}
	for _, p := range panels {
		st.Panels[p.Status]++
	}
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.mu.Lock()
		if r.looping {
			st.Active++
		}
		r.mu.Unlock()
	}
	return st, nil
}

// Shutdown stops every round loop without changing panel status, so
// Recover picks the panels up on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
