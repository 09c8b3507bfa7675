package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          map[string]int `json:"jobs"`
}

type deploymentsMsg []ledger.Deployment

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents reads the SSE /events stream into ch until the
// connection drops.
func subscribeToEvents(apiURL, token string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events stream: %s", resp.Status))
		}

		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses SSE frames from scanner into events.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				cur.Data = json.RawMessage(data)
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				ch <- cur
			}
			cur, data = events.Event{}, ""
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func getJSON(apiURL, path, token string, out any) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, token string) tea.Msg {
	var h healthMsg
	if err := getJSON(apiURL, "/healthz", token, &h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchDeployments loads the recent deployments shown before any event
// arrives.
func fetchDeployments(apiURL, token string) tea.Msg {
	var resp struct {
		Deployments []ledger.Deployment `json:"deployments"`
	}
	if err := getJSON(apiURL, "/deployments?limit="+strconv.Itoa(maxRows), token, &resp); err != nil {
		return errMsg(err)
	}
	return deploymentsMsg(resp.Deployments)
}
