package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devcontrol/devcontrol/internal/agent"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/protocol"
)

// Execute runs the agent action for an APPROVED or DENIED deployment and
// records the outcome. A deployment already RUNNING is resumed; that is a
// crash between the RUNNING transition and the result. Transport errors and
// a busy agent are returned for retry; a refused request or a completed run
// is final.
func (b *Broker) Execute(ctx context.Context, deploymentID string) error {
	logger := b.logger.With("deployment_id", deploymentID)

	d, err := b.ledger.Get(ctx, deploymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn("deployment gone, dropping execution")
		return nil
	}
	if err != nil {
		return err
	}

	var action string
	switch d.State {
	case ledger.StateApproved, ledger.StateDenied:
		action = actionFor(d.State)
		d, err = b.ledger.Transition(ctx, d.ID, ledger.StateRunning, ledger.TransitionOpts{
			Actor:  ActorBroker,
			Reason: "running " + action,
			Expect: d.State,
		})
		if errors.Is(err, ledger.ErrStateChanged) {
			logger.Info("deployment moved before execution, skipping", "state", d.State)
			return nil
		}
		if err != nil {
			return err
		}
	case ledger.StateRunning:
		action, err = b.resumedAction(ctx, d.ID)
		if err != nil {
			return err
		}
		logger.Info("resuming interrupted execution", "action", action)
	default:
		logger.Debug("nothing to execute", "state", d.State)
		return nil
	}

	p, err := b.projects.Get(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", d.ProjectID, err)
	}

	start := b.now()
	resp, err := b.agent.Trigger(ctx, b.agentURL(p), protocol.TriggerRequest{
		Action:       action,
		Branch:       p.Branch,
		User:         d.TriggeredBy,
		Project:      p.ID,
		DeploymentID: d.ID,
	})
	if err != nil {
		if agent.IsPermanent(err) {
			logger.Error("agent refused execution", "action", action, "error", err)
			b.metrics.Execution(action, "refused", time.Since(start))
			return b.finish(ctx, d.ID, p.ChatID, ledger.StateFailed, ledger.TransitionOpts{
				Reason: fmt.Sprintf("agent refused %s: %v", action, err),
				Expect: ledger.StateRunning,
			})
		}
		logger.Warn("agent call failed, will retry", "action", action, "error", err)
		return fmt.Errorf("trigger %s: %w", action, err)
	}

	to := ledger.StateFailed
	reason := resp.Error
	if resp.Status == protocol.StatusSuccess {
		to = ledger.StateSuccess
		reason = resp.Message
	}
	if reason == "" {
		reason = fmt.Sprintf("%s %s", action, resp.Status)
	}
	b.metrics.Execution(action, resp.Status, time.Duration(resp.DurationMS)*time.Millisecond)

	output := resp.Output()
	exitCode := resp.ExitCode
	return b.finish(ctx, d.ID, p.ChatID, to, ledger.TransitionOpts{
		Reason:   reason,
		Output:   &output,
		ExitCode: &exitCode,
		Expect:   ledger.StateRunning,
	})
}

// ExecuteExhausted records a deployment the agent could not be reached for.
func (b *Broker) ExecuteExhausted(ctx context.Context, deploymentID string, cause error) error {
	d, err := b.ledger.Get(ctx, deploymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.State.Terminal() || d.State == ledger.StatePending {
		return nil
	}
	chatID := ""
	if p, err := b.projects.Get(ctx, d.ProjectID); err == nil {
		chatID = p.ChatID
	}
	return b.finish(ctx, d.ID, chatID, ledger.StateFailed, ledger.TransitionOpts{
		Reason: fmt.Sprintf("agent unreachable: %v", cause),
		Expect: d.State,
	})
}

// finish records a terminal state and tells the project's chat about it.
func (b *Broker) finish(ctx context.Context, id, chatID string, to ledger.State, opts ledger.TransitionOpts) error {
	opts.Actor = ActorBroker
	d, err := b.ledger.Transition(ctx, id, to, opts)
	if errors.Is(err, ledger.ErrStateChanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if chatID == "" || b.messenger == nil {
		return nil
	}
	if err := b.messenger.Send(ctx, chatID, resultText(d)); err != nil {
		b.logger.Warn("failed to send result notice", "deployment_id", id, "error", err)
	}
	return nil
}

// resumedAction recovers which action a RUNNING deployment was started
// for from its history.
func (b *Broker) resumedAction(ctx context.Context, id string) (string, error) {
	history, err := b.ledger.History(ctx, id)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == ledger.StateRunning {
			return actionFor(history[i].From), nil
		}
	}
	return "", fmt.Errorf("deployment %s is RUNNING without a recorded start", id)
}

func actionFor(s ledger.State) string {
	if s == ledger.StateDenied {
		return protocol.ActionDeny
	}
	return protocol.ActionDeploy
}

func resultText(d ledger.Deployment) string {
	switch d.State {
	case ledger.StateSuccess:
		return fmt.Sprintf("Deployment %s of %s succeeded. %s", d.ShortCommit(), d.ProjectID, d.Reason)
	default:
		return fmt.Sprintf("Deployment %s of %s failed: %s", d.ShortCommit(), d.ProjectID, d.Reason)
	}
}
