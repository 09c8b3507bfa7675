package webhook

import (
	"context"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/project"
)

// Header names GitHub sets on every delivery.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
)

// Event kinds with behaviour attached. Anything else is logged only.
const (
	KindPing        = "ping"
	KindPush        = "push"
	KindPullRequest = "pull_request"
)

const DefaultMaxBodySize = 1 << 20 // 1 MB

type ProjectLookup interface {
	Get(ctx context.Context, id string) (project.Project, error)
}

type EventLog interface {
	Append(ctx context.Context, ev eventstore.Event) (eventstore.Event, error)
}

type DeploymentCreator interface {
	Create(ctx context.Context, nd ledger.NewDeployment) (ledger.Deployment, bool, error)
}

// Approvals is the broker side of intake: queue an approval request for a
// new deployment and record a ping.
type Approvals interface {
	RequestApproval(ctx context.Context, d ledger.Deployment) error
	Connected(ctx context.Context, projectID string, hookID int64) error
}

// Publisher receives audit events for deliveries that create nothing.
type Publisher interface {
	Publish(eventType string, data any) events.Event
}

type Config struct {
	Listen      string
	MaxBodySize int64
}

// Response is the JSON body for every accepted delivery.
type Response struct {
	Message      string `json:"message"`
	EventID      string `json:"event_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
