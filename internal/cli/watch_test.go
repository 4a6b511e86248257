package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/gateway"
	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

func finishedGatewayPanel(t *testing.T, token string) (*gateway.Server, *orchestrator.Manager, string) {
	t.Helper()
	reg := agent.NewRegistry()
	for _, id := range []string{"analyst", "critic"} {
		if err := reg.Register(agent.Expert{ID: id, Name: id, Kind: agent.KindScripted, Default: true}, agent.Scripted("Ship it behind a flag.")); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	mgr := orchestrator.NewManager(orchestrator.Options{Store: timeline.NewMemoryStore(), Registry: reg})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rounds := 1
	p, err := mgr.Create(ctx, orchestrator.CreateRequest{
		Tenant: gateway.DefaultTenant,
		Prompt: "Should we ship the new scheduler?",
		Config: orchestrator.Overrides{MaxRounds: &rounds},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.Start(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Wait(ctx, p.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return gateway.New(mgr, gateway.Config{AuthToken: token, Heartbeat: 50 * time.Millisecond}), mgr, p.ID
}

type collector struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *collector) emit(e stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) sequences() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Sequence)
	}
	return out
}

func newWatcher(base, token string, c *collector) *watcher {
	return &watcher{
		client:  &http.Client{Timeout: 5 * time.Second},
		base:    base,
		token:   token,
		retries: 3,
		backoff: 10 * time.Millisecond,
		emit:    c.emit,
	}
}

func assertContiguous(t *testing.T, got []int64, from, to int64) {
	t.Helper()
	if int64(len(got)) != to-from+1 {
		t.Fatalf("expected sequences %d..%d, got %v", from, to, got)
	}
	for i, seq := range got {
		if seq != from+int64(i) {
			t.Fatalf("expected sequences %d..%d, got %v", from, to, got)
		}
	}
}

func TestWatchFollowsStreamToTerminalEvent(t *testing.T) {
	gw, _, id := finishedGatewayPanel(t, "tok")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	c := &collector{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := newWatcher(srv.URL, "tok", c).Watch(ctx, id, 2); err != nil {
		t.Fatalf("watch: %v", err)
	}
	assertContiguous(t, c.sequences(), 3, 7)
	if last := c.events[len(c.events)-1]; last.Type != stream.TypeComplete {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestWatchAfterTerminalEventSucceeds(t *testing.T) {
	gw, _, id := finishedGatewayPanel(t, "tok")
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		gw.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := &collector{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := newWatcher(srv.URL, "tok", c).Watch(ctx, id, 7); err != nil {
		t.Fatalf("watch after the last sequence: %v", err)
	}
	if got := c.sequences(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected a single request, got %d", calls)
	}
}

func TestWatchReconnectsWithLastEventID(t *testing.T) {
	gw, mgr, id := finishedGatewayPanel(t, "")

	var mu sync.Mutex
	var calls int
	var resumedFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		if n > 1 {
			resumedFrom = r.Header.Get("Last-Event-ID")
		}
		mu.Unlock()
		if n == 1 {
			events, err := mgr.Publisher().History(r.Context(), id, 0)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, e := range events[:3] {
				_ = stream.WriteSSE(w, e)
			}
			return
		}
		gw.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := &collector{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := newWatcher(srv.URL, "", c).Watch(ctx, id, 0); err != nil {
		t.Fatalf("watch: %v", err)
	}
	assertContiguous(t, c.sequences(), 1, 7)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 || resumedFrom != "3" {
		t.Fatalf("expected one reconnect from 3, got calls=%d Last-Event-ID=%q", calls, resumedFrom)
	}
}

func TestWatchStopsOnClientErrors(t *testing.T) {
	gw, _, id := finishedGatewayPanel(t, "tok")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var se *statusError
	err := newWatcher(srv.URL, "", &collector{}).Watch(ctx, id, 0)
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	err = newWatcher(srv.URL, "tok", &collector{}).Watch(ctx, "missing", 0)
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestWatchGivesUpAfterRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := newWatcher(srv.URL, "", &collector{}).Watch(ctx, "p1", 0); err == nil {
		t.Fatal("expected watch to give up")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", calls)
	}
}
