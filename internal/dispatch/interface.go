package dispatch

import (
	"context"
	"time"

	"github.com/devcontrol/devcontrol/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/devcontrol/devcontrol/internal/dispatch QueueService

// QueueService is the slice of the outbox the dispatcher drives.
type QueueService interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, jobID string, nextAttempt time.Time, lastError string) error
	Complete(ctx context.Context, jobID string, status queue.Status, lastError *string) error
}

// Route handles one job kind.
type Route struct {
	Run       func(ctx context.Context, deploymentID string) error
	Exhausted func(ctx context.Context, deploymentID string, cause error) error
}
