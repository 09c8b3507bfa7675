// Package tokenmgr is an interactive picker for API token scopes.
package tokenmgr

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/devcontrol/devcontrol/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every grantable scope with a one-line description, in the
// order the picker shows them.
var Scopes = []struct {
	Scope string
	Desc  string
}{
	{auth.ScopeDeploymentsRead, "List projects, deployments, history and webhook events"},
	{auth.ScopeDeploymentsWrite, "Trigger manual deployments (includes deployments:ro)"},
	{auth.ScopeEventsRead, "Follow the live event stream (needed by devcontrol watch)"},
	{auth.ScopeAll, "Full access to every route"},
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model is the Bubble Tea model for the picker.
type Model struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

// New builds a picker for token name. Scopes in preselect start checked.
func New(name string, preselect ...string) Model {
	checked := make(map[string]bool, len(preselect))
	for _, s := range preselect {
		checked[s] = true
	}
	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Desc, selected: checked[s.Scope]})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("Scopes for %q (Space to toggle, Enter to confirm)", name)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			m.done = true
			m.scopes = nil
			for _, li := range m.list.Items() {
				if it, ok := li.(item); ok && it.selected {
					m.scopes = append(m.scopes, it.scope)
				}
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// Selected returns the confirmed scopes. ok is false when the picker was
// cancelled.
func (m Model) Selected() (scopes []string, ok bool) {
	return m.scopes, m.done
}
