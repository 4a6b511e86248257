package agent

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KafClaw/KafPanel/internal/provider"
	"gopkg.in/yaml.v3"
)

// Expert kinds understood by the catalog.
const (
	KindProvider = "provider"
	KindHTTP     = "http"
	KindScripted = "scripted"
)

// Catalog is the expert roster file (experts.yaml).
type Catalog struct {
	Defaults CatalogDefaults `yaml:"defaults"`
	Experts  []ExpertSpec    `yaml:"experts"`
}

// CatalogDefaults apply to provider experts that leave the fields empty.
type CatalogDefaults struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIBase     string  `yaml:"api_base"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// ExpertSpec declares one expert.
type ExpertSpec struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Default      bool     `yaml:"default"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	APIBase      string   `yaml:"api_base"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	SystemPrompt string   `yaml:"system_prompt"`
	Endpoint     string   `yaml:"endpoint"`
	TokenEnv     string   `yaml:"token_env"`
	Replies      []string `yaml:"replies"`
	Confidence   *float64 `yaml:"confidence"`
	Delay        string   `yaml:"delay"`
	Fail         string   `yaml:"fail"`
}

// ParseCatalog decodes and validates a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) normalize() error {
	if len(c.Experts) == 0 {
		return fmt.Errorf("catalog: no experts declared")
	}
	seen := make(map[string]struct{}, len(c.Experts))
	for i := range c.Experts {
		e := &c.Experts[i]
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			return fmt.Errorf("catalog: expert #%d has no id", i+1)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("catalog: duplicate expert %q", e.ID)
		}
		seen[e.ID] = struct{}{}

		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.Kind == "" {
			switch {
			case e.Endpoint != "":
				e.Kind = KindHTTP
			case len(e.Replies) > 0:
				e.Kind = KindScripted
			default:
				e.Kind = KindProvider
			}
		}
		switch e.Kind {
		case KindProvider, KindScripted:
		case KindHTTP:
			if e.Endpoint == "" {
				return fmt.Errorf("catalog: expert %q: http kind requires endpoint", e.ID)
			}
		default:
			return fmt.Errorf("catalog: expert %q: unknown kind %q", e.ID, e.Kind)
		}
		if e.Delay != "" {
			if _, err := time.ParseDuration(e.Delay); err != nil {
				return fmt.Errorf("catalog: expert %q: delay: %w", e.ID, err)
			}
		}
		if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
			return fmt.Errorf("catalog: expert %q: confidence must be within [0,1]", e.ID)
		}
	}
	return nil
}

// BuildOptions control how catalog entries become agents.
type BuildOptions struct {
	// DryRun replaces every provider and http expert with a scripted one.
	DryRun bool
	// APIKey, APIBase and Model are fallbacks for provider experts.
	APIKey  string
	APIBase string
	Model   string
	// Getenv resolves api_key_env / token_env. Defaults to os.Getenv.
	Getenv func(string) string
	// NewProvider builds chat providers. Defaults to provider.New.
	NewProvider func(kind, apiKey, apiBase, model string) (provider.LLMProvider, error)
}

// Build registers every catalog expert into a new Registry.
func (c *Catalog) Build(opts BuildOptions) (*Registry, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.NewProvider == nil {
		opts.NewProvider = provider.New
	}
	reg := NewRegistry()
	for _, spec := range c.Experts {
		ag, kind, err := c.buildAgent(spec, opts)
		if err != nil {
			return nil, err
		}
		model := firstNonEmpty(spec.Model, c.Defaults.Model, opts.Model)
		if kind != KindProvider {
			model = ""
		}
		if err := reg.Register(Expert{ID: spec.ID, Name: spec.Name, Kind: kind, Model: model, Default: spec.Default}, ag); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c *Catalog) buildAgent(spec ExpertSpec, opts BuildOptions) (Agent, string, error) {
	kind := spec.Kind
	if opts.DryRun && kind != KindScripted {
		kind = KindScripted
	}
	switch kind {
	case KindScripted:
		return scriptedFromSpec(spec), kind, nil
	case KindHTTP:
		token := ""
		if spec.TokenEnv != "" {
			token = opts.Getenv(spec.TokenEnv)
		}
		return NewHTTPAgent(spec.Endpoint, token), kind, nil
	default:
		keyEnv := firstNonEmpty(spec.APIKeyEnv, c.Defaults.APIKeyEnv)
		apiKey := opts.APIKey
		if keyEnv != "" {
			if v := opts.Getenv(keyEnv); v != "" {
				apiKey = v
			}
		}
		prov, err := opts.NewProvider(
			firstNonEmpty(spec.Provider, c.Defaults.Provider),
			apiKey,
			firstNonEmpty(spec.APIBase, c.Defaults.APIBase, opts.APIBase),
			firstNonEmpty(spec.Model, c.Defaults.Model, opts.Model),
		)
		if err != nil {
			return nil, "", fmt.Errorf("expert %q: %w", spec.ID, err)
		}
		return &ProviderAgent{
			Provider:     prov,
			Name:         spec.Name,
			Model:        firstNonEmpty(spec.Model, c.Defaults.Model),
			SystemPrompt: spec.SystemPrompt,
			MaxTokens:    c.Defaults.MaxTokens,
			Temperature:  c.Defaults.Temperature,
		}, KindProvider, nil
	}
}

func scriptedFromSpec(spec ExpertSpec) *ScriptedAgent {
	s := &ScriptedAgent{}
	for _, text := range spec.Replies {
		s.Replies = append(s.Replies, ScriptedReply{Text: text, Confidence: spec.Confidence})
	}
	if len(s.Replies) == 0 {
		name := firstNonEmpty(spec.Name, spec.ID)
		s.Replies = []ScriptedReply{{Text: fmt.Sprintf("%s has no scripted position on this question.", name), Confidence: spec.Confidence}}
	}
	if spec.Delay != "" {
		s.Delay, _ = time.ParseDuration(spec.Delay)
	}
	if spec.Fail != "" {
		s.Err = fmt.Errorf("%w: %s", errScripted, spec.Fail)
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// DefaultCatalogYAML is written by "kafpanel experts init" and used when no
// catalog file exists.
const DefaultCatalogYAML = `defaults:
  provider: openai
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
experts:
  - id: architect
    name: Software Architect
    default: true
    system_prompt: You evaluate structure, coupling and long-term maintainability.
    replies:
      - The migration is worth doing. The billing service should move to the new platform in stages.
  - id: sre
    name: Site Reliability Engineer
    default: true
    system_prompt: You evaluate operability, failure modes and on-call cost.
    replies:
      - The migration is worth doing if it moves in stages. Rollback must stay possible.
  - id: finance
    name: Finance Partner
    default: true
    system_prompt: You evaluate cost, budget risk and payback period.
    replies:
      - The migration is worth doing. The cost pays back within a year.
`
