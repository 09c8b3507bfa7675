// Package watch is the live terminal view of a running gateway: health,
// recent deployments and the event stream, fed by the management API.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/devcontrol/devcontrol/internal/ledger"
)

// Theme holds the watch view's styles. Deployment states are colored from
// States; anything missing there falls back to Unknown.
type Theme struct {
	States  map[ledger.State]lipgloss.Style
	Unknown lipgloss.Style

	Healthy  lipgloss.Style
	Degraded lipgloss.Style
	Awaiting lipgloss.Style
	Ignored  lipgloss.Style

	Panel  lipgloss.Style
	Title  lipgloss.Style
	Header lipgloss.Style
	Muted  lipgloss.Style
	Accent lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func fg(hex string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
}

func NewDefaultTheme() Theme {
	green, amber, red, blue, grey := "#3FB950", "#D29922", "#F85149", "#58A6FF", "#8B949E"

	return Theme{
		States: map[ledger.State]lipgloss.Style{
			ledger.StatePending:  fg(blue).Bold(true),
			ledger.StateApproved: fg(amber),
			ledger.StateRunning:  fg(amber).Bold(true),
			ledger.StateSuccess:  fg(green),
			ledger.StateDenied:   fg(red),
			ledger.StateFailed:   fg(red).Bold(true),
			ledger.StateTimeout:  fg("#6E7681"),
		},
		Unknown: fg(grey),

		Healthy:  fg(green).Bold(true),
		Degraded: fg(red).Bold(true),
		Awaiting: fg(blue).Bold(true),
		Ignored:  fg("#6E7681"),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#30363D")),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F0F6FC")).Padding(0, 1),
		Header: fg(blue).Underline(true),
		Muted:  fg(grey),
		Accent: fg("#BC8CFF"),

		PulseOn:  fg(green),
		PulseOff: fg("#30363D"),
	}
}

// State returns the style for a deployment state.
func (t Theme) State(s ledger.State) lipgloss.Style {
	if st, ok := t.States[s]; ok {
		return st
	}
	return t.Unknown
}
