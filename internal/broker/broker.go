// Package broker turns pending deployments into approval requests, accepts
// exactly one human response per request, and hands approved or denied
// deployments to the execution agent.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/protocol"
	"github.com/devcontrol/devcontrol/internal/queue"
)

// Actors recorded on transitions the broker makes on its own.
const (
	ActorBroker    = "broker"
	ActorScheduler = "scheduler"
)

// Notification is everything a channel needs to render an approval prompt.
type Notification struct {
	DeploymentID  string
	ProjectID     string
	ProjectName   string
	Repository    string
	Branch        string
	EventKind     string
	Commit        string
	CommitMessage string
	TriggeredBy   string
	ExpiresAt     time.Time
	ApproveToken  string
	DenyToken     string
}

// Messenger is the human-facing channel.
type Messenger interface {
	// SendApproval posts the prompt and returns a handle for later edits.
	SendApproval(ctx context.Context, chatID string, n Notification) (messageID string, err error)
	// MarkResolved replaces the prompt's buttons with the outcome.
	MarkResolved(ctx context.Context, chatID, messageID, outcome string) error
	Send(ctx context.Context, chatID, text string) error
}

// Ack is the reply shown to whoever pressed a button.
type Ack struct {
	Text    string
	Handled bool
}

type Ledger interface {
	Get(ctx context.Context, id string) (ledger.Deployment, error)
	Transition(ctx context.Context, id string, to ledger.State, opts ledger.TransitionOpts) (ledger.Deployment, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]ledger.Deployment, error)
	ListByState(ctx context.Context, state ledger.State, createdBefore time.Time) ([]ledger.Deployment, error)
	History(ctx context.Context, id string) ([]ledger.Transition, error)
}

type Projects interface {
	Get(ctx context.Context, id string) (project.Project, error)
	SetConnected(ctx context.Context, id string, connected bool) error
}

type EventLog interface {
	Get(ctx context.Context, id string) (eventstore.Event, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]eventstore.Event, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, bool, error)
}

type AgentClient interface {
	Trigger(ctx context.Context, baseURL string, req protocol.TriggerRequest) (*protocol.TriggerResponse, error)
}

type Publisher interface {
	Publish(eventType string, data any) events.Event
}

type Config struct {
	// AgentURL is used for projects without their own agent_url.
	AgentURL        string
	ApprovalTimeout time.Duration
	MaxAttempts     int
}

type Deps struct {
	Ledger    Ledger
	Projects  Projects
	Events    EventLog
	Outbox    Outbox
	Agent     AgentClient
	Messenger Messenger
	Hub       Publisher
	Metrics   *metrics.Metrics
}

type Broker struct {
	cfg       Config
	ledger    Ledger
	projects  Projects
	events    EventLog
	outbox    Outbox
	agent     AgentClient
	messenger Messenger
	hub       Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	table     *dispatchTable
	now       func() time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Broker {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = time.Hour
	}
	return &Broker{
		cfg:       cfg,
		ledger:    deps.Ledger,
		projects:  deps.Projects,
		events:    deps.Events,
		outbox:    deps.Outbox,
		agent:     deps.Agent,
		messenger: deps.Messenger,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    logger,
		table:     newDispatchTable(),
		now:       time.Now,
	}
}

// SetMessenger wires the channel after construction; the channel itself
// needs the broker to resolve callbacks.
func (b *Broker) SetMessenger(m Messenger) {
	b.messenger = m
}

// OpenRequests is the number of approval prompts awaiting a response.
func (b *Broker) OpenRequests() int {
	return b.table.len()
}

func (b *Broker) agentURL(p project.Project) string {
	if p.AgentURL != "" {
		return p.AgentURL
	}
	return b.cfg.AgentURL
}

func (b *Broker) publish(eventType string, data any) {
	if b.hub != nil {
		b.hub.Publish(eventType, data)
	}
}

func (b *Broker) enqueue(ctx context.Context, kind queue.Kind, deploymentID, submittedBy string) error {
	key := string(kind) + ":" + deploymentID
	_, created, err := b.outbox.Enqueue(ctx, queue.EnqueueRequest{
		Kind:         kind,
		DeploymentID: deploymentID,
		MaxAttempts:  b.cfg.MaxAttempts,
		SubmittedBy:  submittedBy,
		DedupeKey:    &key,
	})
	if err != nil {
		return err
	}
	if !created {
		b.logger.Debug("job already queued", "kind", kind, "deployment_id", deploymentID)
	}
	return nil
}
