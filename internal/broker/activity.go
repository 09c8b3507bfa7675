package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/queue"
)

var timeZero time.Time

// Connected records a successful webhook ping. The chat notice is best
// effort.
func (b *Broker) Connected(ctx context.Context, projectID string, hookID int64) error {
	if err := b.projects.SetConnected(ctx, projectID, true); err != nil {
		return fmt.Errorf("mark %s connected: %w", projectID, err)
	}
	p, err := b.projects.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}

	b.logger.Info("webhook connected", "project_id", projectID, "hook_id", hookID)
	b.publish(events.TypeWebhookPing, map[string]any{"project_id": projectID, "hook_id": hookID})

	text := fmt.Sprintf("GitHub webhook connected to %s\nRepo: %s\nWebhook ID: %d", p.Name, p.Repository, hookID)
	if b.messenger != nil && p.ChatID != "" {
		if err := b.messenger.Send(ctx, p.ChatID, text); err != nil {
			b.logger.Warn("failed to send connection notice", "project_id", projectID, "error", err)
		}
	}
	return nil
}

// Activity is a project's recent deployments and webhook deliveries.
type Activity struct {
	Project     project.Project     `json:"project"`
	Deployments []ledger.Deployment `json:"deployments"`
	Events      []eventstore.Event  `json:"events"`
}

// ProjectActivity is the read projection behind the project views.
func (b *Broker) ProjectActivity(ctx context.Context, projectID string, limit int) (Activity, error) {
	p, err := b.projects.Get(ctx, projectID)
	if err != nil {
		return Activity{}, err
	}
	deployments, err := b.ledger.ListByProject(ctx, projectID, limit)
	if err != nil {
		return Activity{}, err
	}
	evs, err := b.events.ListByProject(ctx, projectID, limit)
	if err != nil {
		return Activity{}, err
	}
	return Activity{Project: p, Deployments: deployments, Events: evs}, nil
}

// RecoveryStats counts the jobs Recover queued.
type RecoveryStats struct {
	Notify  int
	Execute int
}

// Recover re-queues work a crash or a failed enqueue left behind: PENDING
// deployments with no open request get a fresh prompt, and deployments
// between decision and result get their execution job back. Outbox dedupe
// keys make this safe to repeat.
func (b *Broker) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats

	pending, err := b.ledger.ListByState(ctx, ledger.StatePending, timeZero)
	if err != nil {
		return stats, err
	}
	for _, d := range pending {
		if b.table.has(d.ID) {
			continue
		}
		if err := b.enqueue(ctx, queue.KindNotify, d.ID, ActorScheduler); err != nil {
			return stats, err
		}
		stats.Notify++
	}

	for _, s := range []ledger.State{ledger.StateApproved, ledger.StateDenied, ledger.StateRunning} {
		ds, err := b.ledger.ListByState(ctx, s, timeZero)
		if err != nil {
			return stats, err
		}
		for _, d := range ds {
			if err := b.enqueue(ctx, queue.KindExecute, d.ID, ActorScheduler); err != nil {
				return stats, err
			}
			stats.Execute++
		}
	}
	return stats, nil
}
