// Package gateway exposes the panel orchestrator over HTTP: panel
// lifecycle endpoints, history queries and the live event stream as SSE or
// websocket frames.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/KafClaw/KafPanel/internal/orchestrator"
	"github.com/KafClaw/KafPanel/internal/panel"
)

// DefaultTenant is used when a request carries no X-Tenant-ID header.
const DefaultTenant = "default"

// TenantHeader scopes a request to one tenant.
const TenantHeader = "X-Tenant-ID"

// Config holds the listener and stream settings.
type Config struct {
	Host      string
	Port      int
	AuthToken string
	TLSCert   string
	TLSKey    string
	// Heartbeat is the interval of SSE comment frames and websocket pings.
	Heartbeat time.Duration
	Version   string
}

// Server serves the panel API.
type Server struct {
	cfg     Config
	mgr     *orchestrator.Manager
	router  chi.Router
	started time.Time
}

// New builds the router for mgr.
func New(mgr *orchestrator.Manager, cfg Config) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := &Server{cfg: cfg, mgr: mgr, started: time.Now()}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.recoverer)
	r.Use(s.logging)
	r.Use(s.auth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/experts", s.handleExperts)
		r.Get("/panels", s.handleListPanels)
		r.Post("/panels", s.handleCreatePanel)
		r.Route("/panels/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPanel)
			r.Post("/start", s.handleAction(s.mgr.Start))
			r.Post("/pause", s.handleAction(s.mgr.Pause))
			r.Post("/resume", s.handleAction(s.mgr.Resume))
			r.Post("/cancel", s.handleAction(s.mgr.Cancel))
			r.Get("/rounds", s.handleRounds)
			r.Get("/consensus", s.handleConsensus)
			r.Get("/view", s.handleView)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebSocket)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts the listener
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr, "tls", s.cfg.TLSCert != "")
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	slog.Info("Gateway stopped")
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("Gateway handler panic", "panic", rec, "path", r.URL.Path,
					"request_id", chimw.GetReqID(r.Context()), "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Gateway request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", chimw.GetReqID(r.Context()))
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			slog.Warn("Gateway auth failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func tenantOf(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return t
	}
	return DefaultTenant
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Gateway response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// statusFor maps orchestrator and validation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, panel.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Gateway request failed", "error", err)
	}
	writeError(w, status, err.Error())
}
