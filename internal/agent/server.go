package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/protocol"
)

const dedupeCacheSize = 256

// Server exposes the runner over HTTP.
type Server struct {
	cfg     *Config
	runner  *Runner
	gate    *Gate
	seen    *expirable.LRU[string, protocol.TriggerResponse]
	metrics *metrics.Metrics
	logger  *slog.Logger

	// runCtx outlives individual requests: a client that hangs up does
	// not abort a deploy half way.
	runCtx context.Context
	server *http.Server
}

func NewServer(cfg *Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  NewRunner(cfg, logger),
		gate:    NewGate(cfg.Overlap),
		metrics: m,
		logger:  logger,
		runCtx:  context.Background(),
	}
	if cfg.DedupeTTL > 0 {
		s.seen = expirable.NewLRU[string, protocol.TriggerResponse](dedupeCacheSize, nil, cfg.DedupeTTL)
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully. Runs in
// flight are terminated through the runner's cancellation path.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.Timeout + s.cfg.KillGrace + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("agent server starting", "listen", s.cfg.Listen, "overlap", s.cfg.Overlap)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("agent server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.KillGrace+5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("agent server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("agent server error: %w", err)
	}
}

// Handler returns the routed agent handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Method(http.MethodPost, "/trigger", s.metrics.Instrument("/trigger", http.HandlerFunc(s.handleTrigger)))
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, err := auth.ExtractBearerToken(r)
		if err != nil || !auth.Equal(got, s.cfg.Token) {
			s.logger.Warn("rejected trigger with bad token", "remote_addr", r.RemoteAddr)
			respondRefusal(w, http.StatusUnauthorized, "", ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeRequest(http.MaxBytesReader(w, r.Body, protocol.MaxMessageBytes))
	if err != nil {
		respondRefusal(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if !protocol.ValidAction(req.Action) {
		s.logger.Warn("rejected trigger", "action", req.Action)
		respondRefusal(w, http.StatusBadRequest, req.Action, fmt.Sprintf("Unknown action %q", req.Action))
		return
	}
	if err := validate.Struct(req); err != nil {
		respondRefusal(w, http.StatusBadRequest, req.Action, err.Error())
		return
	}

	logger := s.logger.With("action", req.Action, "project", req.Project, "deployment_id", req.DeploymentID)

	unlock, err := s.gate.Acquire(r.Context(), req.Project)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			logger.Info("rejected trigger, project busy")
			respondRefusal(w, http.StatusConflict, req.Action, err.Error())
			return
		}
		respondRefusal(w, http.StatusServiceUnavailable, req.Action, err.Error())
		return
	}
	defer unlock()

	key := req.DeploymentID + ":" + req.Action
	if s.seen != nil && req.DeploymentID != "" {
		if prev, ok := s.seen.Get(key); ok {
			logger.Info("duplicate trigger, replaying previous result")
			respondJSON(w, statusForResult(prev.Status), prev)
			return
		}
	}

	res, err := s.runner.Run(s.runCtx, Trigger{
		Action:  req.Action,
		Branch:  req.Branch,
		User:    req.User,
		Project: req.Project,
	})
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			logger.Error("trigger failed before running", "error", err)
			s.metrics.Execution(req.Action, "error", 0)
		}
		respondRefusal(w, status, req.Action, err.Error())
		return
	}
	s.metrics.Execution(req.Action, res.Status, res.Duration)

	resp := protocol.TriggerResponse{
		Status:     res.Status,
		Action:     req.Action,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
		Truncated:  res.Truncated,
		Error:      res.Reason,
	}
	if msg, err := s.cfg.Message(MessageContext{
		Branch:  req.Branch,
		User:    req.User,
		Action:  req.Action,
		Project: req.Project,
	}); err == nil {
		resp.Message = msg
		logger.Info(msg)
	} else if !errors.Is(err, ErrNotConfigured) {
		logger.Warn("failed to render message", "error", err)
	}

	if s.seen != nil && req.DeploymentID != "" {
		s.seen.Add(key, resp)
	}
	respondJSON(w, statusForResult(resp.Status), resp)
}

func statusForResult(status string) int {
	if status == protocol.StatusSuccess {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondRefusal(w http.ResponseWriter, status int, action, message string) {
	respondJSON(w, status, protocol.TriggerResponse{
		Status:   protocol.StatusFailed,
		Action:   action,
		ExitCode: -1,
		Error:    message,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp, ok := data.(protocol.TriggerResponse); ok {
		_ = protocol.EncodeResponse(w, &resp)
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}
