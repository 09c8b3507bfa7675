// Package inspect renders offline reports straight from the state database.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/queue"
)

// Report is the structured JSON representation of a deployment report.
type Report struct {
	Deployment ledger.Deployment   `json:"deployment"`
	Trigger    *Trigger            `json:"trigger,omitempty"`
	History    []ledger.Transition `json:"history"`
	Jobs       []queue.Job         `json:"jobs"`
}

// Trigger is the webhook delivery that created the deployment.
type Trigger struct {
	EventID     string          `json:"event_id"`
	Kind        string          `json:"kind"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	ReceivedAt  time.Time       `json:"received_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// BuildReport renders a terminal-friendly report for one deployment.
func BuildReport(ctx context.Context, db *sql.DB, deploymentID string) (string, error) {
	report, err := gatherReportData(ctx, db, deploymentID)
	if err != nil {
		return "", err
	}
	d := report.Deployment

	var out strings.Builder
	fmt.Fprintf(&out, "Deployment Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", d.ID)
	fmt.Fprintf(&out, "Project     : %s\n", d.ProjectID)
	fmt.Fprintf(&out, "State       : %s\n", d.State)
	fmt.Fprintf(&out, "Commit      : %s\n", d.CommitHash)
	fmt.Fprintf(&out, "Message     : %s\n", renderUnset(firstLine(d.CommitMessage), "<none>"))
	fmt.Fprintf(&out, "Triggered by: %s\n", d.TriggeredBy)
	fmt.Fprintf(&out, "Created     : %s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Resolved    : %s\n", renderTime(d.ResolvedAt))
	fmt.Fprintf(&out, "Deployed    : %s\n", renderTime(d.DeployedAt))
	if d.Reason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", d.Reason)
	}
	if d.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *d.ExitCode)
	}
	fmt.Fprintf(&out, "\n")

	if t := report.Trigger; t != nil {
		fmt.Fprintf(&out, "Trigger\n")
		fmt.Fprintf(&out, "    event      : %s (%s)\n", t.EventID, t.Kind)
		fmt.Fprintf(&out, "    delivery   : %s\n", renderUnset(t.DeliveryID, "<none>"))
		fmt.Fprintf(&out, "    fingerprint: %s\n", t.Fingerprint)
		fmt.Fprintf(&out, "    received   : %s\n", t.ReceivedAt.Format(time.RFC3339))
		fmt.Fprintf(&out, "\n")
	}

	fmt.Fprintf(&out, "History\n")
	if len(report.History) == 0 {
		fmt.Fprintf(&out, "    <none>\n")
	}
	for i, h := range report.History {
		fmt.Fprintf(&out, "[%d] %s -> %s by %s at %s\n", i+1, renderUnset(string(h.From), "<new>"), h.To, h.Actor, h.At.Format(time.RFC3339))
		if h.Reason != "" {
			fmt.Fprintf(&out, "    reason     : %s\n", h.Reason)
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Jobs\n")
	if len(report.Jobs) == 0 {
		fmt.Fprintf(&out, "    <none>\n")
	}
	for _, j := range report.Jobs {
		fmt.Fprintf(&out, "- %s %s (%s, attempt %d/%d)\n", j.ID, j.Kind, j.Status, j.Attempt, j.MaxAttempts)
		if j.LastError != nil {
			fmt.Fprintf(&out, "    last_error : %s\n", *j.LastError)
		}
	}

	if d.Output != "" {
		fmt.Fprintf(&out, "\nOutput\n")
		for _, line := range strings.Split(strings.TrimRight(d.Output, "\n"), "\n") {
			fmt.Fprintf(&out, "    %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report, trigger payload included.
func BuildJSONReport(ctx context.Context, db *sql.DB, deploymentID string) (string, error) {
	report, err := gatherReportData(ctx, db, deploymentID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, deploymentID string) (*Report, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return nil, fmt.Errorf("deployment id is required")
	}

	led := ledger.New(db, ledger.Options{})
	d, err := led.Get(ctx, deploymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("deployment %q not found", deploymentID)
	}
	if err != nil {
		return nil, err
	}

	history, err := led.History(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	jobs, err := queue.New(db).ListByDeployment(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Deployment: d,
		History:    nonNil(history),
		Jobs:       nonNil(jobs),
	}

	if d.TriggerEventID != "" {
		ev, err := eventstore.NewStore(db).Get(ctx, d.TriggerEventID)
		switch {
		case errors.Is(err, eventstore.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			report.Trigger = &Trigger{
				EventID:     ev.ID,
				Kind:        ev.Kind,
				DeliveryID:  ev.DeliveryID,
				Fingerprint: ev.Fingerprint,
				ReceivedAt:  ev.ReceivedAt,
				Payload:     compactJSON(ev.Payload),
			}
		}
	}
	return report, nil
}

// compactJSON returns payload when it is valid JSON, otherwise nil.
func compactJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil
	}
	return json.RawMessage(payload)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<unset>"
	}
	return t.Format(time.RFC3339)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
