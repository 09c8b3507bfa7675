package scheduler

import (
	"context"
	"time"

	"github.com/devcontrol/devcontrol/internal/broker"
	"github.com/devcontrol/devcontrol/internal/ledger"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/devcontrol/devcontrol/internal/scheduler QueueService,ApprovalService,DeploymentLister

// QueueService defines the outbox operations used by the scheduler.
type QueueService interface {
	RequeueRunning(ctx context.Context) (int, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ApprovalService closes stale requests and repairs lost work.
type ApprovalService interface {
	Expire(ctx context.Context, deploymentID string) error
	Recover(ctx context.Context) (broker.RecoveryStats, error)
}

// DeploymentLister finds deployments by state.
type DeploymentLister interface {
	ListByState(ctx context.Context, state ledger.State, createdBefore time.Time) ([]ledger.Deployment, error)
}
