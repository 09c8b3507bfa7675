package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/config"
	"github.com/devcontrol/devcontrol/internal/tui/tokenmgr"
)

var errCancelled = errors.New("cancelled")

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage management API tokens",
	}
	cmd.AddCommand(newTokenNewCommand())
	return cmd
}

func newTokenNewCommand() *cobra.Command {
	var (
		scopes []string
		size   int
	)
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Generate a token and print its api.auth.tokens entry",
		Long: `new generates a random bearer token and prints the YAML to paste under
api.auth.tokens. Without --scope an interactive picker asks for scopes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(scopes) == 0 {
				picked, err := pickScopes(name)
				if err != nil {
					return err
				}
				scopes = picked
			}
			for _, s := range scopes {
				if !auth.KnownScope(s) {
					return fmt.Errorf("unknown scope %q", s)
				}
			}
			if len(scopes) == 0 {
				return fmt.Errorf("a token needs at least one scope")
			}

			secret, err := generateToken(size)
			if err != nil {
				return err
			}
			snippet, err := tokenSnippet(name, secret, scopes)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), snippet)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable; skips the picker)")
	cmd.Flags().IntVar(&size, "bytes", 32, "random bytes in the token")
	return cmd
}

func pickScopes(name string) ([]string, error) {
	final, err := tea.NewProgram(tokenmgr.New(name)).Run()
	if err != nil {
		return nil, fmt.Errorf("TUI error: %w", err)
	}
	m, ok := final.(tokenmgr.Model)
	if !ok {
		return nil, errCancelled
	}
	picked, ok := m.Selected()
	if !ok {
		return nil, errCancelled
	}
	return picked, nil
}

func generateToken(size int) (string, error) {
	if size < 16 {
		return "", fmt.Errorf("--bytes must be at least 16")
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func tokenSnippet(name, secret string, scopes []string) (string, error) {
	out, err := yaml.Marshal([]config.APIToken{{Name: name, Token: secret, Scopes: scopes}})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# Add under api.auth.tokens, then run `devcontrol config lock`.\n")
	b.Write(out)
	return b.String(), nil
}
