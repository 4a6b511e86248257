package agent

import (
	"fmt"
	"sync"
)

// Expert describes a registered expert.
type Expert struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Model   string `json:"model,omitempty"`
	Default bool   `json:"default"`
}

// Registry maps expert ids to agents. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]Agent
	experts []Expert
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an expert. Ids must be unique.
func (r *Registry) Register(e Expert, a Agent) error {
	if e.ID == "" {
		return fmt.Errorf("expert id is required")
	}
	if a == nil {
		return fmt.Errorf("expert %s: nil agent", e.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[e.ID]; exists {
		return fmt.Errorf("expert %s already registered", e.ID)
	}
	if e.Name == "" {
		e.Name = e.ID
	}
	r.agents[e.ID] = a
	r.experts = append(r.experts, e)
	return nil
}

// Lookup returns the agent for id.
func (r *Registry) Lookup(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Experts lists registered experts in registration order.
func (r *Registry) Experts() []Expert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Expert(nil), r.experts...)
}

// Defaults returns the ids of experts flagged as default. When none are
// flagged every registered expert is a default.
func (r *Registry) Defaults() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids, all []string
	for _, e := range r.experts {
		all = append(all, e.ID)
		if e.Default {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return all
	}
	return ids
}

// Missing returns the ids in want that are not registered.
func (r *Registry) Missing(want []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, id := range want {
		if _, ok := r.agents[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
