package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/queue"
)

const (
	ackAlreadyHandled = "Already handled"
	ackUnknown        = "Unknown action"
)

// RequestApproval queues delivery of an approval prompt for a new
// deployment. Delivery itself runs on the dispatcher.
func (b *Broker) RequestApproval(ctx context.Context, d ledger.Deployment) error {
	if err := b.enqueue(ctx, queue.KindNotify, d.ID, d.TriggeredBy); err != nil {
		return fmt.Errorf("queue approval for %s: %w", d.ID, err)
	}
	return nil
}

// Deliver sends the approval prompt for a PENDING deployment. A send error
// is returned so the job is retried; retries reuse the same request and
// tokens.
func (b *Broker) Deliver(ctx context.Context, deploymentID string) error {
	logger := b.logger.With("deployment_id", deploymentID)

	d, err := b.ledger.Get(ctx, deploymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn("deployment gone, dropping approval delivery")
		return nil
	}
	if err != nil {
		return err
	}
	if d.State != ledger.StatePending {
		logger.Debug("deployment no longer pending, skipping delivery", "state", d.State)
		return nil
	}

	p, err := b.projects.Get(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", d.ProjectID, err)
	}

	req, reused := b.table.register(d.ID, p.ChatID, b.now(), d.CreatedAt.Add(b.cfg.ApprovalTimeout))
	if reused && req.MessageID != "" {
		logger.Debug("approval already delivered", "request_id", req.ID)
		return nil
	}

	kind := "manual"
	if d.TriggerEventID != "" {
		if ev, err := b.events.Get(ctx, d.TriggerEventID); err == nil {
			kind = ev.Kind
		}
	}

	n := Notification{
		DeploymentID:  d.ID,
		ProjectID:     p.ID,
		ProjectName:   p.Name,
		Repository:    p.Repository,
		Branch:        p.Branch,
		EventKind:     kind,
		Commit:        d.ShortCommit(),
		CommitMessage: d.CommitMessage,
		TriggeredBy:   d.TriggeredBy,
		ExpiresAt:     req.ExpiresAt,
		ApproveToken:  EncodeToken(req.ID, DecisionApprove),
		DenyToken:     EncodeToken(req.ID, DecisionDeny),
	}
	messageID, err := b.messenger.SendApproval(ctx, p.ChatID, n)
	if err != nil {
		b.metrics.Delivery("failed")
		return fmt.Errorf("send approval: %w", err)
	}
	b.table.setMessage(req.ID, messageID)
	b.metrics.Delivery("sent")
	b.metrics.SetOpenRequests(b.table.len())

	logger.Info("approval request sent", "project_id", p.ID, "request_id", req.ID, "expires_at", req.ExpiresAt)
	b.publish(events.TypeApprovalSent, map[string]any{
		"deployment_id": d.ID,
		"project_id":    p.ID,
		"request_id":    req.ID,
		"expires_at":    req.ExpiresAt,
	})
	return nil
}

// DeliveryExhausted closes a deployment whose prompt could never be sent.
func (b *Broker) DeliveryExhausted(ctx context.Context, deploymentID string, cause error) error {
	b.table.drop(deploymentID)
	b.metrics.Delivery("exhausted")
	b.metrics.SetOpenRequests(b.table.len())

	_, err := b.ledger.Transition(ctx, deploymentID, ledger.StateTimeout, ledger.TransitionOpts{
		Actor:  ActorBroker,
		Reason: fmt.Sprintf("delivery failed: %v", cause),
		Expect: ledger.StatePending,
	})
	if errors.Is(err, ledger.ErrStateChanged) || errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	return err
}

// Resolve applies a button press. Malformed, stale and duplicate tokens
// are acknowledged without effect; only the first valid response for a
// request moves the deployment.
func (b *Broker) Resolve(ctx context.Context, token, actor string) (Ack, error) {
	requestID, decision, err := DecodeToken(token)
	if err != nil {
		b.logger.Warn("ignoring malformed action token", "actor", actor)
		return Ack{Text: ackUnknown}, nil
	}

	req, ok := b.table.consume(requestID)
	if !ok {
		b.ignored(requestID, "", actor, "no open request")
		return Ack{Text: ackAlreadyHandled}, nil
	}
	logger := b.logger.With("deployment_id", req.DeploymentID, "request_id", req.ID, "actor", actor)

	// The sweep runs on a tick; a response landing between the deadline and
	// the next tick closes the request here instead.
	if !b.now().Before(req.ExpiresAt) {
		if err := b.expireConsumed(ctx, req); err != nil {
			b.table.restore(req)
			logger.Error("failed to expire late response", "error", err)
			return Ack{}, err
		}
		b.ignored(req.ID, req.DeploymentID, actor, "approval window closed")
		return Ack{Text: ackAlreadyHandled}, nil
	}

	to, verb := ledger.StateApproved, "approved"
	if decision == DecisionDeny {
		to, verb = ledger.StateDenied, "denied"
	}

	_, err = b.ledger.Transition(ctx, req.DeploymentID, to, ledger.TransitionOpts{
		Actor:  actor,
		Reason: verb + " by " + actor,
		Expect: ledger.StatePending,
	})
	switch {
	case errors.Is(err, ledger.ErrStateChanged), errors.Is(err, ledger.ErrNotFound):
		b.ignored(req.ID, req.DeploymentID, actor, err.Error())
		return Ack{Text: ackAlreadyHandled}, nil
	case err != nil:
		b.table.restore(req)
		logger.Error("failed to record decision", "error", err)
		return Ack{}, err
	}
	b.metrics.SetOpenRequests(b.table.len())
	logger.Info("approval resolved", "decision", to)

	if err := b.enqueue(ctx, queue.KindExecute, req.DeploymentID, actor); err != nil {
		// The scheduler's recovery pass re-enqueues APPROVED and DENIED
		// deployments that have no live job.
		logger.Error("failed to queue execution", "error", err)
	}

	if req.MessageID != "" {
		outcome := fmt.Sprintf("%s by %s", capitalize(verb), actor)
		if err := b.messenger.MarkResolved(ctx, req.ChatID, req.MessageID, outcome); err != nil {
			logger.Warn("failed to update approval message", "error", err)
		}
	}
	return Ack{Text: "Deployment " + verb, Handled: true}, nil
}

// Expire closes an unanswered request. Only the first call for a deployment
// moves it; later calls and late responses are no-ops.
func (b *Broker) Expire(ctx context.Context, deploymentID string) error {
	req, hadRequest := b.table.drop(deploymentID)
	if !hadRequest {
		req = ApprovalRequest{DeploymentID: deploymentID}
	}
	err := b.expireConsumed(ctx, req)
	if err != nil && hadRequest {
		b.table.restore(req)
	}
	return err
}

// expireConsumed moves a deployment whose request is already out of the
// table to TIMEOUT and updates the prompt. A deployment that already left
// PENDING is left alone.
func (b *Broker) expireConsumed(ctx context.Context, req ApprovalRequest) error {
	b.metrics.SetOpenRequests(b.table.len())

	_, err := b.ledger.Transition(ctx, req.DeploymentID, ledger.StateTimeout, ledger.TransitionOpts{
		Actor:  ActorScheduler,
		Reason: "no response",
		Expect: ledger.StatePending,
	})
	if errors.Is(err, ledger.ErrStateChanged) || errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.logger.Info("approval expired", "deployment_id", req.DeploymentID)
	if req.MessageID != "" {
		if err := b.messenger.MarkResolved(ctx, req.ChatID, req.MessageID, "Expired: no response"); err != nil {
			b.logger.Warn("failed to update approval message", "deployment_id", req.DeploymentID, "error", err)
		}
	}
	return nil
}

func (b *Broker) ignored(requestID, deploymentID, actor, why string) {
	b.logger.Info("ignoring response", "request_id", requestID, "deployment_id", deploymentID, "actor", actor, "why", why)
	b.publish(events.TypeApprovalIgnored, map[string]any{
		"request_id":    requestID,
		"deployment_id": deploymentID,
		"actor":         actor,
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
