// Package provider holds the chat-completion clients behind model-backed
// experts.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// LLMProvider is one chat-completion backend.
type LLMProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel is used when a request names no model.
	DefaultModel() string
}

// Message is one turn of a conversation; Role is system, user or assistant.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// JSONMode asks the backend for a JSON object reply where supported.
	JSONMode bool
}

type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage counts the tokens a request consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const (
	xaiBase         = "https://api.x.ai/v1"
	xaiDefaultModel = "grok-3"
)

// New returns the backend for kind. "openai" and "openrouter" take any
// OpenAI-compatible base URL; "xai" and "gemini" default to their public
// endpoints.
func New(kind, apiKey, apiBase, model string) (LLMProvider, error) {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "", "openai", "openrouter":
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case "xai", "grok":
		return NewOpenAIProvider(apiKey, xaiBase, firstNonEmpty(model, xaiDefaultModel)), nil
	case "gemini":
		return NewGeminiProvider(apiKey, apiBase, model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", k)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
