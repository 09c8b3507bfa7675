// Command devcontrol-agent runs on the deploy host and executes the
// configured on_deploy and on_deny commands when the gateway triggers them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devcontrol/devcontrol/internal/agent"
	"github.com/devcontrol/devcontrol/internal/log"
	"github.com/devcontrol/devcontrol/internal/metrics"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type agentFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	flags := &agentFlags{}
	root := &cobra.Command{
		Use:           "devcontrol-agent",
		Short:         "Run approved deploy and deny commands on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", agent.DefaultConfigFile, "agent config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "json", "json or text")

	root.AddCommand(
		&cobra.Command{
			Use:     "start",
			Aliases: []string{"serve"},
			Short:   "Listen for triggers from the gateway",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := agent.LoadConfig(flags.configPath)
				if err != nil {
					return err
				}
				log.Setup(flags.logLevel, flags.logFormat)
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return serve(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the agent config and print the resolved commands",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := agent.LoadConfig(flags.configPath)
				if err != nil {
					return err
				}
				printConfig(cmd, cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "devcontrol-agent version %s\n", version)
			},
		},
	)
	return root
}

func serve(ctx context.Context, cfg *agent.Config) error {
	logger := log.WithComponent("agent")
	srv := agent.NewServer(cfg, metrics.New(), logger)
	err := srv.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func printConfig(cmd *cobra.Command, cfg *agent.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "listen    : %s\n", cfg.Listen)
	fmt.Fprintf(out, "overlap   : %s\n", cfg.Overlap)
	fmt.Fprintf(out, "timeout   : %s\n", cfg.Timeout)
	fmt.Fprintf(out, "auth      : %s\n", onOff(cfg.Token != ""))
	for _, action := range []struct {
		name string
		get  func() (string, error)
	}{
		{"on_deploy", cfg.OnDeploy},
		{"on_deny", cfg.OnDeny},
	} {
		command, err := action.get()
		if err != nil {
			command = "<not configured>"
		}
		fmt.Fprintf(out, "%-10s: %s\n", action.name, command)
	}
}

func onOff(b bool) string {
	if b {
		return "bearer token required"
	}
	return "disabled"
}
