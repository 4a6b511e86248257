package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/stream"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

func newTestServer(t *testing.T, token string) (*Server, *orchestrator.Manager) {
	t.Helper()
	reg := agent.NewRegistry()
	for _, id := range []string{"analyst", "critic"} {
		if err := reg.Register(agent.Expert{ID: id, Name: id, Kind: "scripted", Default: true}, agent.Scripted("Ship it behind a flag.")); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	mgr := orchestrator.NewManager(orchestrator.Options{Store: timeline.NewMemoryStore(), Registry: reg})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return New(mgr, Config{AuthToken: token, Heartbeat: 50 * time.Millisecond, Version: "test"}), mgr
}

func do(t *testing.T, s *Server, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

// finishedPanel creates and starts a one-round panel for tenant and waits
// for it to complete.
func finishedPanel(t *testing.T, s *Server, mgr *orchestrator.Manager, tenant string) string {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/api/v1/panels", tenant, map[string]any{
		"prompt":           "Should we ship the new scheduler?",
		"experts":          []string{"analyst", "critic"},
		"max_rounds":       1,
		"agent_timeout_ms": 2000,
		"start":            true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	p := decode[panel.Panel](t, rr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx, p.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return p.ID
}

type replayBody struct {
	PanelID string            `json:"panel_id"`
	Events  []json.RawMessage `json:"events"`
	Closed  bool              `json:"closed"`
}

func TestAuthRequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t, "s3cret")

	rr := do(t, s, http.MethodGet, "/api/v1/status", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["version"] != "test" || body["experts"] != float64(2) || body["strategy"] != "claims" {
		t.Fatalf("status body = %v", body)
	}
}

func TestExpertsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rr := do(t, s, http.MethodGet, "/api/v1/experts", "", nil)
	body := decode[struct {
		Experts []agent.Expert `json:"experts"`
	}](t, rr)
	if len(body.Experts) != 2 || body.Experts[0].ID != "analyst" {
		t.Fatalf("experts = %+v", body.Experts)
	}
}

func TestCreateAndReplayEvents(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "")

	rr := do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/events", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events status = %d", rr.Code)
	}
	full := decode[replayBody](t, rr)
	if len(full.Events) != 7 || !full.Closed {
		t.Fatalf("replay = %d events closed=%v", len(full.Events), full.Closed)
	}
	var last stream.Event
	if err := json.Unmarshal(full.Events[6], &last); err != nil {
		t.Fatalf("decode last: %v", err)
	}
	if last.Type != stream.TypeComplete || last.Sequence != 7 {
		t.Fatalf("last event = %s #%d", last.Type, last.Sequence)
	}

	rr = do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/events?after=3", "", nil)
	tail := decode[replayBody](t, rr)
	if len(tail.Events) != 4 {
		t.Fatalf("tail = %d events", len(tail.Events))
	}
	for i, raw := range tail.Events {
		if !bytes.Equal(raw, full.Events[i+3]) {
			t.Fatalf("event %d differs on replay:\n%s\n%s", i+4, raw, full.Events[i+3])
		}
	}

	rr = do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/events?after=x", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", rr.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "")

	rounds := decode[struct {
		Rounds []struct {
			Number    int                    `json:"round_number"`
			Status    panel.RoundStatus      `json:"status"`
			Responses []panel.ExpertResponse `json:"responses"`
		} `json:"rounds"`
	}](t, do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/rounds", "", nil))
	if len(rounds.Rounds) != 1 || rounds.Rounds[0].Status != panel.RoundComplete || len(rounds.Rounds[0].Responses) != 2 {
		t.Fatalf("rounds = %+v", rounds.Rounds)
	}

	snaps := decode[struct {
		Consensus []panel.ConsensusSnapshot `json:"consensus"`
	}](t, do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/consensus", "", nil))
	if len(snaps.Consensus) != 1 || snaps.Consensus[0].ResponseCount != 2 {
		t.Fatalf("consensus = %+v", snaps.Consensus)
	}

	view := decode[stream.View](t, do(t, s, http.MethodGet, "/api/v1/panels/"+id+"/view", "", nil))
	if view.Status != panel.StatusCompleted || view.LastSequence != 7 || len(view.Rounds) != 1 {
		t.Fatalf("view = %+v", view)
	}

	got := decode[panel.Panel](t, do(t, s, http.MethodGet, "/api/v1/panels/"+id, "", nil))
	if got.Status != panel.StatusCompleted || got.Tenant != DefaultTenant {
		t.Fatalf("panel = %+v", got)
	}
}

func TestTenantScoping(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "acme")

	if rr := do(t, s, http.MethodGet, "/api/v1/panels/"+id, "acme", nil); rr.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rr.Code)
	}
	for _, path := range []string{"", "/events", "/view", "/rounds"} {
		if rr := do(t, s, http.MethodGet, "/api/v1/panels/"+id+path, "globex", nil); rr.Code != http.StatusNotFound {
			t.Fatalf("other tenant %q status = %d", path, rr.Code)
		}
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/panels/"+id+"/cancel", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("default tenant cancel status = %d", rr.Code)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, do(t, s, http.MethodGet, "/api/v1/panels", "globex", nil))
	if list.Count != 0 {
		t.Fatalf("other tenant sees %d panels", list.Count)
	}
	list = decode[struct {
		Count int `json:"count"`
	}](t, do(t, s, http.MethodGet, "/api/v1/panels?status=completed", "acme", nil))
	if list.Count != 1 {
		t.Fatalf("owner sees %d panels", list.Count)
	}
}

func TestLifecycleErrorMapping(t *testing.T) {
	s, _ := newTestServer(t, "")

	rr := do(t, s, http.MethodPost, "/api/v1/panels", "", map[string]any{"prompt": "Q?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rr.Code)
	}
	p := decode[panel.Panel](t, rr)
	if len(p.Experts) != 2 || p.Status != panel.StatusPending {
		t.Fatalf("created = %+v", p)
	}

	if rr := do(t, s, http.MethodPost, "/api/v1/panels/"+p.ID+"/pause", "", nil); rr.Code != http.StatusConflict {
		t.Fatalf("pause pending status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/panels/"+p.ID+"/cancel", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/panels/"+p.ID+"/start", "", nil); rr.Code != http.StatusConflict {
		t.Fatalf("start cancelled status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/v1/panels/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown panel status = %d", rr.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/v1/panels", "", map[string]any{
		"prompt": "Q?", "experts": []string{"analyst", "ghost"}, "start": true,
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown expert status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decode[struct {
		Error string      `json:"error"`
		Panel panel.Panel `json:"panel"`
	}](t, rr)
	if body.Panel.Status != panel.StatusErrored || !strings.Contains(body.Error, "ghost") {
		t.Fatalf("invalid panel body = %+v", body)
	}

	if rr := do(t, s, http.MethodPost, "/api/v1/panels", "", map[string]any{"prompt": " "}); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/panels", "", map[string]any{"prompt": "Q?", "bogus": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", orchestrator.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", orchestrator.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("x: %w", panel.ErrInvalidConfig), http.StatusUnprocessableEntity},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/panels/"+id+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	rd := stream.NewSSEReader(resp.Body)
	var seqs []int64
	var lastType stream.Type
	ended := false
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.End() {
			ended = true
			continue
		}
		if ended {
			t.Fatalf("frame %+v after the end frame", f)
		}
		ev, err := f.Decode()
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.ID != fmt.Sprint(ev.Sequence) || f.Event != string(ev.Type) {
			t.Fatalf("frame header %s/%s for %s #%d", f.ID, f.Event, ev.Type, ev.Sequence)
		}
		seqs = append(seqs, ev.Sequence)
		lastType = ev.Type
	}
	if len(seqs) != 5 || seqs[0] != 3 || seqs[4] != 7 || lastType != stream.TypeComplete || !ended {
		t.Fatalf("sse sequences = %v last=%s ended=%v", seqs, lastType, ended)
	}
}

func TestSSEAfterTerminalSendsOnlyEnd(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/panels/"+id+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	rd := stream.NewSSEReader(resp.Body)
	f, err := rd.Next()
	if err != nil || !f.End() || f.Data != `{"cursor":7}` {
		t.Fatalf("first frame = %+v, %v", f, err)
	}
	if _, err := rd.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the stream to close after the end frame, got %v", err)
	}
}

func TestSSEStreamsLivePanel(t *testing.T) {
	s, mgr := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	p, err := mgr.Create(context.Background(), orchestrator.CreateRequest{
		Tenant: DefaultTenant, Prompt: "Q?", Experts: []string{"analyst", "critic"},
		Config: orchestrator.Overrides{MaxRounds: func(n int) *int { return &n }(1)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/panels/"+p.ID+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if _, err := mgr.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	rd := stream.NewSSEReader(resp.Body)
	n := 0
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.End() {
			break
		}
		n++
		if f.Event == string(stream.TypeStarted) && n != 1 {
			t.Fatalf("started arrived as frame %d", n)
		}
	}
	if n != 7 {
		t.Fatalf("live stream delivered %d frames", n)
	}
}

func TestWebSocketStream(t *testing.T) {
	s, mgr := newTestServer(t, "")
	id := finishedPanel(t, s, mgr, "")
	s.cfg.AuthToken = "tok"
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/panels/" + id + "/ws?after=4"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial without token succeeded")
	}
	header := http.Header{"Authorization": []string{"Bearer tok"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var seqs []int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		var ev stream.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seqs = append(seqs, ev.Sequence)
	}
	if len(seqs) != 3 || seqs[0] != 5 || seqs[2] != 7 {
		t.Fatalf("websocket sequences = %v", seqs)
	}
}
