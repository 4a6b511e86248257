package provider

import (
	"context"
	"errors"
	"net/http"
)

const (
	openAIDefaultBase  = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, OpenRouter, xAI, local gateways).
type OpenAIProvider struct {
	c     client
	key   string
	model string
}

func NewOpenAIProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = openAIDefaultBase
	}
	if defaultModel == "" {
		defaultModel = openAIDefaultModel
	}
	return &OpenAIProvider{c: newClient("openai", apiBase), key: apiKey, model: defaultModel}
}

func (p *OpenAIProvider) DefaultModel() string { return p.model }

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

var errNoChoices = errors.New("no choices in response")

func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := openAIRequest{
		Model:       firstNonEmpty(req.Model, p.model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	header := http.Header{}
	if p.key != "" {
		header.Set("Authorization", "Bearer "+p.key)
	}

	var out openAIResponse
	if err := p.c.post(ctx, "/chat/completions", header, nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errNoChoices
	}
	first := out.Choices[0]
	return &ChatResponse{Content: first.Message.Content, FinishReason: first.FinishReason, Usage: out.Usage}, nil
}
