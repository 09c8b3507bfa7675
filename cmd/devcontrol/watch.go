package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/devcontrol/devcontrol/internal/tui/watch"
)

const tokenEnv = "DEVCONTROL_TOKEN"

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of deployments and events",
		Long: `watch follows the API event stream and shows deployments as they move
through approval and execution. The token needs the deployments:ro and
events:ro scopes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiURL == "" {
				cfg, err := flags.loadConfig(cmd)
				if err != nil {
					return fmt.Errorf("%w (or pass --api-url)", err)
				}
				apiURL = apiURLFromListen(cfg.API.Listen)
			}
			if token == "" {
				token = os.Getenv(tokenEnv)
			}
			if token == "" {
				return fmt.Errorf("an API token is required (--token or %s)", tokenEnv)
			}

			p := tea.NewProgram(watch.New(apiURL, token), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "API base URL (default: derived from api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "API bearer token (default: $"+tokenEnv+")")
	return cmd
}

// apiURLFromListen turns a listen address into a dialable base URL.
// Wildcard hosts become loopback.
func apiURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimPrefix(listen, "http://")
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
