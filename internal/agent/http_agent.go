package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAgent calls a remote expert endpoint:
//
//	POST endpoint {expert_id, round, prompt, context} -> {text, confidence, metadata}
type HTTPAgent struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

// NewHTTPAgent returns an HTTPAgent with a default client.
func NewHTTPAgent(endpoint, token string) *HTTPAgent {
	return &HTTPAgent{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type httpContextEntry struct {
	ExpertID   string   `json:"expert_id"`
	Round      int      `json:"round_number"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type httpAgentRequest struct {
	ExpertID string             `json:"expert_id"`
	Round    int                `json:"round_number"`
	Prompt   string             `json:"prompt"`
	Context  []httpContextEntry `json:"context"`
}

type httpAgentResponse struct {
	Text       string         `json:"text"`
	Confidence *float64       `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
}

func (a *HTTPAgent) Respond(ctx context.Context, req Request) (*Reply, error) {
	body := httpAgentRequest{ExpertID: req.ExpertID, Round: req.Round, Prompt: req.Prompt, Context: []httpContextEntry{}}
	for _, r := range usable(req.Context) {
		body.Context = append(body.Context, httpContextEntry{
			ExpertID: r.ExpertID, Round: r.Round, Text: r.Text, Confidence: r.Confidence,
		})
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.Token)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("expert endpoint error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out httpAgentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &Reply{Text: out.Text, Confidence: out.Confidence, Metadata: out.Metadata}, nil
}
