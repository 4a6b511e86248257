package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "openai/gpt-4")
	if p.DefaultModel() != "openai/gpt-4" {
		t.Errorf("expected model openai/gpt-4, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{
				Message:      Message{Role: "assistant", Content: `{"answer":"yes"}`},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL+"/", "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hello"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != `{"answer":"yes"}` || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got["model"] != "test-model" {
		t.Errorf("expected default model in request, got %v", got["model"])
	}
	if rf, ok := got["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("expected json response_format, got %v", got["response_format"])
	}
	if _, ok := got["max_tokens"]; ok {
		t.Errorf("max_tokens should be omitted when zero")
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable() || apiErr.Message != "rate limited" {
		t.Fatalf("expected retryable APIError, got %#v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	cases := map[string]string{
		`{"error":{"message":"bad key","type":"auth"}}`: "bad key",
		`{"error":"quota"}`:                             "quota",
		"  upstream down \n":                            "upstream down",
	}
	for body, want := range cases {
		if got := errorMessage([]byte(body)); got != want {
			t.Errorf("errorMessage(%q) = %q, want %q", body, got, want)
		}
	}
	if (&APIError{StatusCode: http.StatusBadRequest}).Retryable() {
		t.Error("400 should not be retryable")
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m")
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestGeminiProvider_Chat(t *testing.T) {
	var got geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("g-key", server.URL, "gemini-test")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "system", Content: "you are terse"}, {Role: "user", Content: "hi"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello" || resp.Usage.TotalTokens != 5 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "you are terse" {
		t.Errorf("system prompt not mapped: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" {
		t.Errorf("unexpected contents: %+v", got.Contents)
	}
	if got.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("json mode not mapped")
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "openai", "xai", "gemini"} {
		if _, err := New(kind, "k", "", ""); err != nil {
			t.Errorf("New(%q): %v", kind, err)
		}
	}
	if p, _ := New("xai", "k", "", ""); p.DefaultModel() != "grok-3" {
		t.Errorf("expected grok-3 default, got %s", p.DefaultModel())
	}
	if _, err := New("bogus", "k", "", ""); err == nil {
		t.Error("expected error for unknown provider")
	}
}
