package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
)

const maxRows = 15

// DeploymentRow is one line of the deployments panel.
type DeploymentRow struct {
	ID      string
	Project string
	Commit  string
	State   ledger.State
	Actor   string
	Reason  string
	Created time.Time
	Updated time.Time
}

// Board holds the deployments the panel shows, newest first.
type Board struct {
	rows map[string]*DeploymentRow
}

func NewBoard() Board {
	return Board{rows: make(map[string]*DeploymentRow)}
}

// Load seeds the board from the API listing.
func (b Board) Load(ds []ledger.Deployment) {
	for _, d := range ds {
		row := &DeploymentRow{
			ID:      d.ID,
			Project: d.ProjectID,
			Commit:  d.ShortCommit(),
			State:   d.State,
			Actor:   d.TriggeredBy,
			Reason:  d.Reason,
			Created: d.CreatedAt,
			Updated: d.UpdatedAt,
		}
		if existing, ok := b.rows[d.ID]; ok && existing.Updated.After(row.Updated) {
			continue
		}
		b.rows[d.ID] = row
	}
	b.trim()
}

// Apply folds a deployment.<state> event into the board. Other events are
// ignored.
func (b Board) Apply(e events.Event) bool {
	if !strings.HasPrefix(e.Type, events.DeploymentType("")) {
		return false
	}
	var data struct {
		DeploymentID string `json:"deployment_id"`
		ProjectID    string `json:"project_id"`
		To           string `json:"to"`
		Actor        string `json:"actor"`
		Reason       string `json:"reason"`
		Commit       string `json:"commit"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.DeploymentID == "" {
		return false
	}

	row, ok := b.rows[data.DeploymentID]
	if !ok {
		row = &DeploymentRow{ID: data.DeploymentID, Created: e.At}
		b.rows[data.DeploymentID] = row
	}
	if data.ProjectID != "" {
		row.Project = data.ProjectID
	}
	if data.Commit != "" {
		row.Commit = data.Commit
	}
	row.State = ledger.State(data.To)
	row.Actor = data.Actor
	row.Reason = data.Reason
	row.Updated = e.At
	b.trim()
	return true
}

// Rows returns the board newest first.
func (b Board) Rows() []*DeploymentRow {
	out := make([]*DeploymentRow, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending counts deployments awaiting a decision.
func (b Board) Pending() int {
	n := 0
	for _, r := range b.rows {
		if r.State == ledger.StatePending {
			n++
		}
	}
	return n
}

func (b Board) trim() {
	if len(b.rows) <= maxRows {
		return
	}
	for _, r := range b.Rows()[maxRows:] {
		delete(b.rows, r.ID)
	}
}

func stateStyle(s ledger.State, theme Theme) lipgloss.Style {
	return theme.State(s)
}

func renderDeployments(b Board, selected int, theme Theme, width int) string {
	innerWidth := width - 4
	rows := b.Rows()

	if len(rows) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("DEPLOYMENTS"),
			theme.Muted.Render("  No deployments yet"),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Header.Render(fmt.Sprintf("  %-8s %-14s %-8s %-9s %-12s %s", "ID", "PROJECT", "COMMIT", "STATE", "BY", "REASON"))}
	for i, r := range rows {
		cursor := "  "
		if i == selected {
			cursor = theme.Accent.Render("▸ ")
		}
		state := stateStyle(r.State, theme).Render(fmt.Sprintf("%-9s", r.State))
		reason := r.Reason
		if len(reason) > 40 {
			reason = reason[:37] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s%-8s %-14s %-8s %s %-12s %s",
			cursor, short(r.ID, 8), short(r.Project, 14), r.Commit, state, short(r.Actor, 12), theme.Muted.Render(reason)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("DEPLOYMENTS"),
		strings.Join(lines, "\n"),
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
