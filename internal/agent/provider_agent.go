package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/provider"
)

const replyFormat = `Answer as a JSON object with the fields:
  "answer"     your position in a few sentences,
  "confidence" a number between 0 and 1,
  "reasoning"  optional short justification,
  "sources"    optional list of references.`

// ProviderAgent answers through a chat-completion provider.
type ProviderAgent struct {
	Provider     provider.LLMProvider
	Name         string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

type structuredReply struct {
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []string `json:"sources"`
}

func (a *ProviderAgent) Respond(ctx context.Context, req Request) (*Reply, error) {
	system := strings.TrimSpace(a.SystemPrompt)
	if system == "" {
		system = fmt.Sprintf("You are %s, a member of an expert panel.", a.displayName(req.ExpertID))
	}
	resp, err := a.Provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: system + "\n\n" + replyFormat},
			{Role: "user", Content: BuildPrompt(req)},
		},
		Model:       a.Model,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	reply := parseModelReply(resp.Content)
	if reply.Metadata == nil {
		reply.Metadata = map[string]any{}
	}
	model := a.Model
	if model == "" {
		model = a.Provider.DefaultModel()
	}
	reply.Metadata["model"] = model
	if resp.Usage.TotalTokens > 0 {
		reply.Metadata["tokens"] = resp.Usage.TotalTokens
	}
	return reply, nil
}

func (a *ProviderAgent) displayName(id string) string {
	if a.Name != "" {
		return a.Name
	}
	return id
}

// BuildPrompt renders the question, round and earlier responses into one
// user message.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(req.Prompt))
	if req.Round > 1 {
		fmt.Fprintf(&b, "\nThis is round %d. Revisit your position in light of the other experts.\n", req.Round)
	}
	if ctx := usable(req.Context); len(ctx) > 0 {
		b.WriteString("\nPanel so far:\n")
		for _, r := range ctx {
			if r.Confidence != nil {
				fmt.Fprintf(&b, "- [round %d] %s (confidence %.2f): %s\n", r.Round, r.ExpertID, *r.Confidence, r.Text)
			} else {
				fmt.Fprintf(&b, "- [round %d] %s: %s\n", r.Round, r.ExpertID, r.Text)
			}
		}
	}
	return b.String()
}

func usable(rs []panel.ExpertResponse) []panel.ExpertResponse {
	var out []panel.ExpertResponse
	for _, r := range rs {
		if !r.Failed() && strings.TrimSpace(r.Text) != "" {
			out = append(out, r)
		}
	}
	return out
}

// parseModelReply accepts the structured JSON reply, optionally inside a
// markdown fence, and falls back to plain text with no confidence.
func parseModelReply(content string) *Reply {
	raw := strings.TrimSpace(content)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	var sr structuredReply
	if err := json.Unmarshal([]byte(raw), &sr); err == nil && strings.TrimSpace(sr.Answer) != "" {
		meta := map[string]any{}
		if sr.Reasoning != "" {
			meta["reasoning"] = sr.Reasoning
		}
		if len(sr.Sources) > 0 {
			meta["sources"] = sr.Sources
		}
		return &Reply{Text: strings.TrimSpace(sr.Answer), Confidence: sr.Confidence, Metadata: meta}
	}
	return &Reply{Text: strings.TrimSpace(content)}
}
