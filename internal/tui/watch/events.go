package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Muted.Render("  Waiting for events..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Panel.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Muted.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasPrefix(e.Type, events.DeploymentType("")):
		typeStyle = stateStyle(ledger.State(strings.TrimPrefix(e.Type, events.DeploymentType(""))), theme)
	case e.Type == events.TypeApprovalIgnored:
		typeStyle = theme.Ignored
	case strings.HasPrefix(e.Type, "webhook."), strings.HasPrefix(e.Type, "approval."):
		typeStyle = theme.Accent
	default:
		typeStyle = theme.Muted
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent picks the identifying fields out of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["deployment_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", short(id, 8)))
	}
	for _, key := range []string{"project_id", "commit", "kind", "actor"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if why, ok := data["why"].(string); ok && why != "" {
		parts = append(parts, "("+why+")")
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
