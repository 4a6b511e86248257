package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

const (
	geminiDefaultBase  = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-2.0-flash"
)

// GeminiProvider calls the Gemini generateContent REST endpoint with a
// static API key.
type GeminiProvider struct {
	c     client
	key   string
	model string
}

func NewGeminiProvider(apiKey, apiBase, defaultModel string) *GeminiProvider {
	if apiBase == "" {
		apiBase = geminiDefaultBase
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{c: newClient("gemini", apiBase), key: apiKey, model: defaultModel}
}

func (p *GeminiProvider) DefaultModel() string { return p.model }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		Prompt     int `json:"promptTokenCount"`
		Candidates int `json:"candidatesTokenCount"`
		Total      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

var errNoCandidates = errors.New("no candidates in gemini response")

func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	path := "/models/" + url.PathEscape(firstNonEmpty(req.Model, p.model)) + ":generateContent"
	var out geminiResponse
	if err := p.c.post(ctx, path, nil, map[string]string{"key": p.key}, toGemini(req), &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, errNoCandidates
	}
	cand := out.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	resp := &ChatResponse{Content: text.String(), FinishReason: cand.FinishReason}
	if u := out.UsageMetadata; u != nil {
		resp.Usage = Usage{PromptTokens: u.Prompt, CompletionTokens: u.Candidates, TotalTokens: u.Total}
	}
	return resp, nil
}

// toGemini folds system messages into systemInstruction and maps the
// assistant role to "model".
func toGemini(req *ChatRequest) *geminiRequest {
	out := &geminiRequest{GenerationConfig: &geminiGenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
	}}
	if req.JSONMode {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	for _, m := range req.Messages {
		part := geminiPart{Text: m.Content}
		switch m.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part)
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{part}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		}
	}
	return out
}
