package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
)

type Config struct {
	TickInterval    time.Duration
	ApprovalTimeout time.Duration
	// JobLogRetention bounds job_log; zero keeps everything.
	JobLogRetention time.Duration
}

// Scheduler expires unanswered approvals and keeps the outbox healthy.
type Scheduler struct {
	cfg         Config
	queue       QueueService
	approvals   ApprovalService
	deployments DeploymentLister
	events      *events.Hub
	logger      *slog.Logger
	now         func() time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg Config, q QueueService, approvals ApprovalService, deployments DeploymentLister, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:         cfg,
		queue:       q,
		approvals:   approvals,
		deployments: deployments,
		events:      hub,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start runs crash recovery, then the tick loop. Recovery finishes before
// Start returns so dispatch workers never race it for running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler")

	if err := s.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single maintenance pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.logger.Debug("Scheduler tick")
	s.events.Publish("scheduler.tick", map[string]any{
		"at": now.UTC(),
	})

	expired := s.expireStale(ctx, now)

	stats, err := s.approvals.Recover(ctx)
	if err != nil {
		s.logger.Error("Failed to recover deployments", "error", err)
	} else if stats.Notify > 0 || stats.Execute > 0 {
		s.logger.Info("Re-queued deployment work", "notify", stats.Notify, "execute", stats.Execute)
	}

	if s.cfg.JobLogRetention > 0 {
		n, err := s.queue.Prune(ctx, now.Add(-s.cfg.JobLogRetention))
		if err != nil {
			s.logger.Error("Failed to prune job log", "error", err)
		} else if n > 0 {
			s.logger.Debug("Pruned job log", "rows", n)
		}
	}

	if expired > 0 {
		s.logger.Info("Expired stale approvals", "count", expired)
	}
}

// expireStale times out every PENDING deployment older than the approval
// timeout. The ledger's expected-state check makes a concurrent decision win
// cleanly.
func (s *Scheduler) expireStale(ctx context.Context, now time.Time) int {
	if s.cfg.ApprovalTimeout <= 0 {
		return 0
	}
	stale, err := s.deployments.ListByState(ctx, ledger.StatePending, now.Add(-s.cfg.ApprovalTimeout))
	if err != nil {
		s.logger.Error("Failed to list pending deployments", "error", err)
		return 0
	}

	expired := 0
	for _, d := range stale {
		if err := s.approvals.Expire(ctx, d.ID); err != nil {
			s.logger.Error("Failed to expire approval", "deployment_id", d.ID, "error", err)
			continue
		}
		expired++
	}
	return expired
}

// recoverOrphanedJobs requeues jobs a crash left running.
func (s *Scheduler) recoverOrphanedJobs(ctx context.Context) error {
	s.logger.Info("Starting crash recovery for orphaned jobs")

	n, err := s.queue.RequeueRunning(ctx)
	if err != nil {
		return fmt.Errorf("requeue running jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Requeued orphaned jobs", "count", n)
	}

	s.logger.Info("Crash recovery complete", "requeued", n)
	return nil
}
