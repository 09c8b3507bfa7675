package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/queue"
)

// ProjectStore defines the project lookups the API serves.
type ProjectStore interface {
	Get(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context) ([]project.Project, error)
}

// DeploymentStore defines the ledger operations the API uses.
type DeploymentStore interface {
	Create(ctx context.Context, nd ledger.NewDeployment) (ledger.Deployment, bool, error)
	Get(ctx context.Context, id string) (ledger.Deployment, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]ledger.Deployment, error)
	ListRecent(ctx context.Context, limit int) ([]ledger.Deployment, error)
	History(ctx context.Context, id string) ([]ledger.Transition, error)
}

// EventLog lists received webhook deliveries.
type EventLog interface {
	ListByProject(ctx context.Context, projectID string, limit int) ([]eventstore.Event, error)
}

// JobLister exposes outbox state.
type JobLister interface {
	ListByDeployment(ctx context.Context, deploymentID string) ([]queue.Job, error)
	Counts(ctx context.Context) (map[queue.Status]int, error)
}

// Approvals queues the approval prompt for a new deployment.
type Approvals interface {
	RequestApproval(ctx context.Context, d ledger.Deployment) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
}

type Deps struct {
	Projects    ProjectStore
	Deployments DeploymentStore
	Events      EventLog
	Jobs        JobLister
	Approvals   Approvals
	Hub         *events.Hub
	Metrics     *metrics.Metrics
}

// Server is the bearer-token management API.
type Server struct {
	config      Config
	projects    ProjectStore
	deployments DeploymentStore
	eventLog    EventLog
	jobs        JobLister
	approvals   Approvals
	events      *events.Hub
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:      config,
		projects:    deps.Projects,
		deployments: deps.Deployments,
		eventLog:    deps.Events,
		jobs:        deps.Jobs,
		approvals:   deps.Approvals,
		events:      hub,
		metrics:     deps.Metrics,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// WriteTimeout stays zero: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler configures the HTTP router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		read := r.With(s.requireScopes(auth.ScopeDeploymentsRead))
		read.Get("/projects", s.handleListProjects)
		read.Get("/projects/{projectId}/deployments", s.instrument("/projects/{projectId}/deployments", s.handleListDeployments))
		read.Get("/projects/{projectId}/events", s.instrument("/projects/{projectId}/events", s.handleListEvents))
		read.Get("/deployments", s.handleRecentDeployments)
		read.Get("/deployments/{deploymentId}", s.instrument("/deployments/{deploymentId}", s.handleGetDeployment))

		r.With(s.requireScopes(auth.ScopeDeploymentsWrite)).
			Post("/projects/{projectId}/deployments", s.instrument("/projects/{projectId}/deployments", s.handleCreateDeployment))

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return s.metrics.Instrument(route, h).ServeHTTP
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
