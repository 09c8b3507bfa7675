package api

import (
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/queue"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          map[string]int `json:"jobs"`
}

type ProjectsResponse struct {
	Projects []project.Project `json:"projects"`
}

type DeploymentsResponse struct {
	Deployments []ledger.Deployment `json:"deployments"`
}

type EventsResponse struct {
	Events []eventstore.Event `json:"events"`
}

// DeploymentDetail is returned by GET /deployments/{id}.
type DeploymentDetail struct {
	ledger.Deployment
	History []ledger.Transition `json:"history"`
	Jobs    []queue.Job         `json:"jobs"`
}

// CreateDeploymentRequest is the body of POST /projects/{id}/deployments.
type CreateDeploymentRequest struct {
	Commit  string `json:"commit" validate:"required,hexadecimal,min=7,max=64"`
	Message string `json:"message,omitempty" validate:"max=2000"`
}

type CreateDeploymentResponse struct {
	Deployment ledger.Deployment `json:"deployment"`
}
