package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/queue"
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Dispatcher runs outbox jobs on a worker pool.
type Dispatcher struct {
	cfg     Config
	queue   QueueService
	routes  map[queue.Kind]Route
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, q QueueService, routes map[queue.Kind]Route, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   q,
		routes:  routes,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
		now:     time.Now,
	}
}

// Start runs the workers until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch workers started", "workers", d.cfg.Workers)
	defer d.logger.Info("dispatch workers stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		g.Go(func() error {
			d.work(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With("worker", worker)
	for {
		processed, err := d.processNext(ctx)
		if err != nil {
			logger.Error("failed to process job", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// processNext claims and runs one job. It reports whether a job was found.
func (d *Dispatcher) processNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	d.run(ctx, job)
	return true, nil
}

func (d *Dispatcher) run(ctx context.Context, job *queue.Job) {
	logger := d.logger.With("job_id", job.ID, "kind", job.Kind, "deployment_id", job.DeploymentID, "attempt", job.Attempt)
	// Bookkeeping must land even when shutdown cancels ctx mid-job.
	bg := context.WithoutCancel(ctx)

	route, ok := d.routes[job.Kind]
	if !ok || route.Run == nil {
		msg := fmt.Sprintf("no handler for job kind %q", job.Kind)
		logger.Error(msg)
		d.complete(bg, job, queue.StatusFailed, &msg)
		return
	}

	logger.Debug("running job")
	err := route.Run(ctx, job.DeploymentID)
	if err == nil {
		d.complete(bg, job, queue.StatusSucceeded, nil)
		return
	}
	if ctx.Err() != nil {
		// Left running; startup recovery requeues it.
		logger.Warn("job interrupted by shutdown", "error", err)
		return
	}

	msg := err.Error()
	if job.Exhausted() {
		logger.Error("job attempts exhausted", "max_attempts", job.MaxAttempts, "error", err)
		if route.Exhausted != nil {
			if xerr := route.Exhausted(bg, job.DeploymentID, err); xerr != nil {
				logger.Error("exhaustion handler failed", "error", xerr)
			}
		}
		d.complete(bg, job, queue.StatusDead, &msg)
		return
	}

	delay := d.backoff(job.Attempt)
	logger.Warn("job failed, retrying", "error", err, "retry_in", delay)
	if rerr := d.queue.Retry(bg, job.ID, d.now().Add(delay), msg); rerr != nil {
		logger.Error("failed to schedule retry", "error", rerr)
		return
	}
	d.metrics.Job(string(job.Kind), "retried")
}

// backoff is the delay before the attempt after attempt.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return delay
}

func (d *Dispatcher) complete(ctx context.Context, job *queue.Job, status queue.Status, lastError *string) {
	if err := d.queue.Complete(ctx, job.ID, status, lastError); err != nil {
		d.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	d.metrics.Job(string(job.Kind), string(status))
}
