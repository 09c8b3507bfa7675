package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/devcontrol/devcontrol/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "devcontrol",
		Short: "Human-approved deployments from GitHub pushes",
		Long: `devcontrol receives GitHub webhooks, asks a human to approve each
deployment over Telegram, and runs the approved action on a deploy agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file or directory (default: discovered)")

	root.AddCommand(
		newServeCommand(flags),
		newConfigCommand(flags),
		newDeploymentsCommand(flags),
		newWatchCommand(flags),
		newTokenCommand(),
		newVersionCommand(),
	)
	return root
}

// resolveConfig picks the config path from the flag or discovery.
func (g *globalFlags) resolveConfig(cmd *cobra.Command) (string, error) {
	path, err := config.DiscoverConfigPath(g.configPath)
	if err != nil {
		return "", err
	}
	if g.configPath == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
	}
	return path, nil
}

func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := g.resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func newVersionCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   version,
				Commit:    gitCommit,
				BuildDate: buildDate,
				GoVersion: runtime.Version(),
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "devcontrol version %s (commit %s, built %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}
