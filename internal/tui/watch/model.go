package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/devcontrol/devcontrol/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health   HealthState
	board    Board
	eventLog []events.Event

	ticker   Ticker
	activity Activity

	theme    Theme
	selected int

	hubEvents chan events.Event

	lastError string
	now       func() time.Time
}

// New creates a new watch TUI model. The token needs deployments:ro and
// events:ro.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		board:     NewBoard(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		func() tea.Msg { return fetchDeployments(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.board.rows)-1 {
				m.selected++
			}
		case "r":
			return m, func() tea.Msg { return fetchDeployments(m.apiURL, m.token) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		now := m.now()

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.activity.OnEvent(now)
		if e.Type == "scheduler.tick" {
			m.ticker.Tick(now)
		}
		m.board.Apply(e)

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case deploymentsMsg:
		m.board.Load(msg)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Jobs = msg.Jobs
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, tea.Batch(
			subscribeToEvents(m.apiURL, m.token, m.hubEvents),
			func() tea.Msg { return fetchDeployments(m.apiURL, m.token) },
		)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to devcontrol..."
	}

	header := renderHeader(m.health, m.board.Pending(), m.ticker, m.activity, m.theme, m.width, m.now())
	deployments := renderDeployments(m.board, m.selected, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, deployments, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Degraded.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
