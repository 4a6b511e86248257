package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/provider"
)

type fakeProvider struct {
	content string
	err     error
	last    *provider.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.content, Usage: provider.Usage{TotalTokens: 42}}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func TestProviderAgentStructuredReply(t *testing.T) {
	fp := &fakeProvider{content: "```json\n{\"answer\":\"Migrate in stages.\",\"confidence\":0.8,\"reasoning\":\"lower risk\",\"sources\":[\"runbook\"]}\n```"}
	a := &ProviderAgent{Provider: fp, Name: "Architect"}

	reply, err := a.Respond(context.Background(), Request{
		ExpertID: "architect", Round: 2, Prompt: "Migrate?",
		Context: []panel.ExpertResponse{
			{ExpertID: "sre", Round: 1, Text: "Yes, carefully.", Confidence: panel.Float(0.7)},
			{ExpertID: "finance", Round: 1, Failure: &panel.Failure{Kind: panel.FailureTimeout}},
		},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "Migrate in stages." || reply.Confidence == nil || *reply.Confidence != 0.8 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Metadata["reasoning"] != "lower risk" || reply.Metadata["model"] != "fake-model" || reply.Metadata["tokens"] != 42 {
		t.Fatalf("unexpected metadata: %+v", reply.Metadata)
	}

	if !fp.last.JSONMode || len(fp.last.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", fp.last)
	}
	if !strings.Contains(fp.last.Messages[0].Content, "You are Architect") {
		t.Errorf("system prompt missing name: %q", fp.last.Messages[0].Content)
	}
	user := fp.last.Messages[1].Content
	if !strings.Contains(user, "round 2") || !strings.Contains(user, "sre (confidence 0.70): Yes, carefully.") {
		t.Errorf("context not rendered: %q", user)
	}
	if strings.Contains(user, "finance") {
		t.Errorf("failed responses should not be shown to experts: %q", user)
	}
}

func TestProviderAgentPlainTextFallback(t *testing.T) {
	a := &ProviderAgent{Provider: &fakeProvider{content: "  I would not migrate.  "}, Model: "m1"}
	reply, err := a.Respond(context.Background(), Request{ExpertID: "x", Round: 1, Prompt: "q"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "I would not migrate." || reply.Confidence != nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Metadata["model"] != "m1" {
		t.Fatalf("expected configured model in metadata, got %v", reply.Metadata["model"])
	}
}

func TestProviderAgentErrorBecomesAgentFailure(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Expert{ID: "x"}, &ProviderAgent{Provider: &fakeProvider{err: errors.New("API error (status 500)")}})
	res := NewInvoker(reg).Invoke(context.Background(), Call{ExpertID: "x", Round: 1, Timeout: time.Second})
	if res.Failure == nil || res.Failure.Kind != panel.FailureAgentError {
		t.Fatalf("expected agent_error, got %+v", res)
	}
}

func TestHTTPAgent(t *testing.T) {
	var got httpAgentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"text":"Remote view.","confidence":0.55,"metadata":{"source":"oracle"}}`))
	}))
	defer server.Close()

	a := NewHTTPAgent(server.URL, "tok")
	reply, err := a.Respond(context.Background(), Request{
		ExpertID: "oracle", Round: 1, Prompt: "q",
		Context: []panel.ExpertResponse{{ExpertID: "sre", Round: 1, Text: "yes"}},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "Remote view." || *reply.Confidence != 0.55 || reply.Metadata["source"] != "oracle" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got.ExpertID != "oracle" || len(got.Context) != 1 || got.Context[0].ExpertID != "sre" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPAgentErrors(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer bad.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if _, err := NewHTTPAgent(bad.URL, "").Respond(context.Background(), Request{}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if _, err := NewHTTPAgent(down.URL, "").Respond(context.Background(), Request{}); err == nil || errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected plain error for 503, got %v", err)
	}
}
