package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v62/github"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/project"
)

// Server is the public GitHub webhook intake.
type Server struct {
	config    Config
	projects  ProjectLookup
	events    EventLog
	ledger    DeploymentCreator
	approvals Approvals
	hub       Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// Deps are the collaborators a Server drives for each delivery.
type Deps struct {
	Projects  ProjectLookup
	Events    EventLog
	Ledger    DeploymentCreator
	Approvals Approvals
	Hub       Publisher
	Metrics   *metrics.Metrics
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		config:    config,
		projects:  deps.Projects,
		events:    deps.Events,
		ledger:    deps.Ledger,
		approvals: deps.Approvals,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed intake handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, "/webhook/github/{projectId}",
		s.metrics.Instrument("/webhook/github/{projectId}", http.HandlerFunc(s.handleGitHub)))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// loggingMiddleware logs request metadata only; bodies and signature
// headers are never logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectId")
	kind := r.Header.Get(HeaderEvent)
	if projectID == "" {
		s.reject(w, kind, http.StatusBadRequest, "project id is required")
		return
	}

	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			s.reject(w, kind, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("project lookup failed", "project_id", projectID, "error", err)
		s.reject(w, kind, http.StatusInternalServerError, "internal error")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.reject(w, kind, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.reject(w, kind, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := Verify(p.WebhookSecret, body, r.Header.Get(HeaderSignature)); err != nil {
		status := statusForError(err)
		s.logger.Warn("webhook rejected", "project_id", projectID, "status", status, "error", err)
		s.reject(w, kind, status, http.StatusText(status))
		return
	}
	if kind == "" {
		s.reject(w, kind, http.StatusBadRequest, "missing "+HeaderEvent+" header")
		return
	}

	ev, err := s.events.Append(ctx, eventstore.Event{
		ProjectID:  p.ID,
		Kind:       kind,
		DeliveryID: r.Header.Get(HeaderDelivery),
		Payload:    body,
	})
	if err != nil {
		s.logger.Error("failed to record webhook event", "project_id", p.ID, "kind", kind, "error", err)
		s.reject(w, kind, http.StatusInternalServerError, "failed to record event")
		return
	}
	s.publish(events.TypeWebhookReceived, map[string]any{
		"project_id": p.ID,
		"event_id":   ev.ID,
		"kind":       kind,
	})

	var resp Response
	switch kind {
	case KindPing:
		resp, err = s.handlePing(ctx, p, ev)
	case KindPush:
		resp, err = s.handlePush(ctx, p, ev)
	case KindPullRequest:
		resp, err = s.handlePullRequest(p, ev)
	default:
		resp = Response{Message: fmt.Sprintf("event %s received but not processed", kind)}
	}
	if err != nil {
		status := statusForError(err)
		s.logger.Error("webhook processing failed", "project_id", p.ID, "kind", kind, "event_id", ev.ID, "error", err)
		s.reject(w, kind, status, http.StatusText(status))
		return
	}

	resp.EventID = ev.ID
	s.metrics.Webhook(kind, "accepted")
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePing(ctx context.Context, p project.Project, ev eventstore.Event) (Response, error) {
	parsed, err := github.ParseWebHook(KindPing, ev.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ping, _ := parsed.(*github.PingEvent)
	if err := s.approvals.Connected(ctx, p.ID, ping.GetHookID()); err != nil {
		return Response{}, err
	}
	s.publish(events.TypeWebhookPing, map[string]any{"project_id": p.ID, "hook_id": ping.GetHookID()})
	return Response{Message: "webhook connected"}, nil
}

func (s *Server) handlePush(ctx context.Context, p project.Project, ev eventstore.Event) (Response, error) {
	parsed, err := github.ParseWebHook(KindPush, ev.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	push, _ := parsed.(*github.PushEvent)

	if push.GetRef() != p.BranchRef() {
		s.logger.Info("push ignored", "project_id", p.ID, "ref", push.GetRef(), "want", p.BranchRef())
		return Response{Message: fmt.Sprintf("push to %s ignored", push.GetRef())}, nil
	}
	head := push.GetHeadCommit()
	if head.GetID() == "" {
		s.logger.Info("push without head commit ignored", "project_id", p.ID)
		return Response{Message: "push without head commit ignored"}, nil
	}

	triggeredBy := push.GetPusher().GetName()
	if triggeredBy == "" {
		triggeredBy = "webhook"
	}

	d, created, err := s.ledger.Create(ctx, ledger.NewDeployment{
		ProjectID:      p.ID,
		CommitHash:     head.GetID(),
		CommitMessage:  head.GetMessage(),
		TriggeredBy:    triggeredBy,
		TriggerEventID: ev.ID,
		DedupeKey:      ev.Fingerprint,
	})
	if err != nil {
		return Response{}, err
	}
	if !created {
		return Response{Message: "duplicate push", DeploymentID: d.ID, Duplicate: true}, nil
	}
	if err := s.approvals.RequestApproval(ctx, d); err != nil {
		// The deployment is durable; startup recovery requeues its approval.
		s.logger.Error("failed to queue approval", "deployment_id", d.ID, "error", err)
	}
	return Response{Message: "deployment pending approval", DeploymentID: d.ID}, nil
}

func (s *Server) handlePullRequest(p project.Project, ev eventstore.Event) (Response, error) {
	parsed, err := github.ParseWebHook(KindPullRequest, ev.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pr, _ := parsed.(*github.PullRequestEvent)
	s.logger.Info("pull request event", "project_id", p.ID, "action", pr.GetAction(), "number", pr.GetNumber())
	return Response{Message: "pull request event recorded"}, nil
}

func (s *Server) publish(eventType string, data any) {
	if s.hub != nil {
		s.hub.Publish(eventType, data)
	}
}

func (s *Server) reject(w http.ResponseWriter, kind string, status int, message string) {
	if kind == "" {
		kind = "unknown"
	}
	s.metrics.Webhook(kind, strconv.Itoa(status))
	s.respondError(w, status, message)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, project.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
