package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/project"
)

const (
	// TriggeredByManual marks deployments created through the API.
	TriggeredByManual = "manual"
	maxListLimit      = 500
	maxRequestBytes   = 64 << 10
)

var validate = validator.New()

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Jobs:          jobs,
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.projects.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ProjectsResponse{Projects: ps})
}

// handleListDeployments handles GET /projects/{projectId}/deployments.
func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := s.deployments.ListByProject(r.Context(), p.ID, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DeploymentsResponse{Deployments: nonNil(ds)})
}

// handleListEvents handles GET /projects/{projectId}/events, newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := s.eventLog.ListByProject(r.Context(), p.ID, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, EventsResponse{Events: nonNil(evs)})
}

func (s *Server) handleRecentDeployments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := s.deployments.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DeploymentsResponse{Deployments: nonNil(ds)})
}

// handleGetDeployment handles GET /deployments/{deploymentId} with its
// transition history and outbox jobs.
func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "deploymentId")

	d, err := s.deployments.Get(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	history, err := s.deployments.History(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	jobs, err := s.jobs.ListByDeployment(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DeploymentDetail{
		Deployment: d,
		History:    nonNil(history),
		Jobs:       nonNil(jobs),
	})
}

// handleCreateDeployment handles POST /projects/{projectId}/deployments: a
// manual deployment that goes through the same approval path as a push.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var req CreateDeploymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, _, err := s.deployments.Create(ctx, ledger.NewDeployment{
		ProjectID:     p.ID,
		CommitHash:    req.Commit,
		CommitMessage: req.Message,
		TriggeredBy:   TriggeredByManual,
		// Every manual request is a new deployment, even for a known commit.
		DedupeKey: "manual:" + uuid.NewString(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(ctx)
	s.logger.Info("manual deployment created", "deployment_id", d.ID, "project_id", p.ID, "commit", d.ShortCommit(), "token", principal.Name)

	if err := s.approvals.RequestApproval(ctx, d); err != nil {
		// The scheduler's recovery pass re-queues the prompt.
		s.logger.Error("failed to queue approval", "deployment_id", d.ID, "error", err)
	}
	respondJSON(w, http.StatusCreated, CreateDeploymentResponse{Deployment: d})
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) (project.Project, bool) {
	p, err := s.projects.Get(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		s.writeStoreError(w, err)
		return project.Project{}, false
	}
	return p, true
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return eventstore.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("store error", "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
