package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Jobs          map[string]int
	Connected     bool
	LastCheck     time.Time
}

// Backlog is the number of outbox jobs not yet finished.
func (h HealthState) Backlog() int {
	return h.Jobs["queued"] + h.Jobs["running"]
}

func renderHeader(health HealthState, pending int, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.Healthy.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.Degraded.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Degraded.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	clock := theme.Muted.Render(now.Format("15:04:05"))
	title := fmt.Sprintf(" DEVCONTROL WATCH %s", theme.Accent.Render(ticker.Current()))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	pendingText := fmt.Sprintf("Awaiting approval: %d", pending)
	if pending > 0 {
		pendingText = theme.Awaiting.Render(pendingText)
	}
	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Jobs: %d  Dead: %d  %s",
		statusIcon, statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Backlog(),
		health.Jobs["dead"],
		pendingText,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
