package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/timeline"
)

const maxBodyBytes = 1 << 20

// createPanelRequest is the POST /api/v1/panels body. Timeouts are in
// milliseconds.
type createPanelRequest struct {
	Title              string     `json:"title"`
	Prompt             string     `json:"prompt"`
	Experts            []string   `json:"experts"`
	Mode               panel.Mode `json:"mode"`
	MaxRounds          *int       `json:"max_rounds"`
	ConsensusThreshold *float64   `json:"consensus_threshold"`
	AgentTimeoutMs     *int64     `json:"agent_timeout_ms"`
	RoundTimeoutMs     *int64     `json:"round_timeout_ms"`
	AllowDebate        *bool      `json:"allow_debate"`
	MaxParallel        *int       `json:"max_parallel"`
	Start              bool       `json:"start"`
}

func (req createPanelRequest) overrides() orchestrator.Overrides {
	o := orchestrator.Overrides{
		MaxRounds:          req.MaxRounds,
		ConsensusThreshold: req.ConsensusThreshold,
		AllowDebate:        req.AllowDebate,
		MaxParallel:        req.MaxParallel,
	}
	if req.AgentTimeoutMs != nil {
		d := time.Duration(*req.AgentTimeoutMs) * time.Millisecond
		o.AgentTimeout = &d
	}
	if req.RoundTimeoutMs != nil {
		d := time.Duration(*req.RoundTimeoutMs) * time.Millisecond
		o.RoundTimeout = &d
	}
	return o
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  s.cfg.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"panels":   st.Panels,
		"active":   st.Active,
		"experts":  st.Experts,
		"strategy": st.Strategy,
	})
}

func (s *Server) handleExperts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"experts": s.mgr.Registry().Experts()})
}

func (s *Server) handleCreatePanel(w http.ResponseWriter, r *http.Request) {
	var req createPanelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	p, err := s.mgr.Create(r.Context(), orchestrator.CreateRequest{
		Tenant:  tenantOf(r),
		Title:   req.Title,
		Prompt:  req.Prompt,
		Experts: req.Experts,
		Mode:    req.Mode,
		Config:  req.overrides(),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if !req.Start {
		writeJSON(w, http.StatusCreated, p)
		return
	}
	started, err := s.mgr.Start(r.Context(), p.ID)
	if err != nil {
		s.writePanelError(w, started, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleListPanels(w http.ResponseWriter, r *http.Request) {
	filter := timeline.PanelFilter{Tenant: tenantOf(r)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, panel.Status(st))
			}
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	panels, err := s.mgr.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if panels == nil {
		panels = []panel.Panel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"panels": panels, "count": len(panels)})
}

// loadPanel returns the panel named in the path, or writes 404 when it does
// not exist or belongs to another tenant.
func (s *Server) loadPanel(w http.ResponseWriter, r *http.Request) (*panel.Panel, bool) {
	id := chi.URLParam(r, "id")
	p, err := s.mgr.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	if p.Tenant != tenantOf(r) {
		writeErr(w, fmt.Errorf("%s: %w", id, orchestrator.ErrNotFound))
		return nil, false
	}
	return p, true
}

func (s *Server) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type panelOp func(ctx context.Context, id string) (*panel.Panel, error)

func (s *Server) handleAction(op panelOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.loadPanel(w, r)
		if !ok {
			return
		}
		updated, err := op(r.Context(), p.ID)
		if err != nil {
			s.writePanelError(w, updated, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// writePanelError reports an operation failure together with the panel
// state it left behind.
func (s *Server) writePanelError(w http.ResponseWriter, p *panel.Panel, err error) {
	status := statusFor(err)
	if p == nil || status == http.StatusInternalServerError {
		writeErr(w, err)
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "panel": p})
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	rounds, err := s.mgr.Store().ListRounds(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	responses, err := s.mgr.Store().ListResponses(r.Context(), p.ID, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	type roundOut struct {
		panel.Round
		Responses []panel.ExpertResponse `json:"responses"`
	}
	out := make([]roundOut, 0, len(rounds))
	for _, rd := range rounds {
		ro := roundOut{Round: rd, Responses: []panel.ExpertResponse{}}
		for _, resp := range responses {
			if resp.Round == rd.Number {
				ro.Responses = append(ro.Responses, resp)
			}
		}
		out = append(out, ro)
	}
	writeJSON(w, http.StatusOK, map[string]any{"panel_id": p.ID, "rounds": out})
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	snaps, err := s.mgr.Store().ListConsensus(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if snaps == nil {
		snaps = []panel.ConsensusSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"panel_id": p.ID, "consensus": snaps})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	view, err := s.mgr.View(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
