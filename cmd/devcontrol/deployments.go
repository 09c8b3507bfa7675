package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/devcontrol/devcontrol/internal/inspect"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/storage"
)

func newDeploymentsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deploy", "d"},
		Short:   "Inspect the deployment ledger offline",
	}
	cmd.AddCommand(newDeploymentsListCommand(flags), newDeploymentsShowCommand(flags))
	return cmd
}

func newDeploymentsListCommand(flags *globalFlags) *cobra.Command {
	var (
		projectID string
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := storage.OpenSQLite(ctx, cfg.State.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ds, err := listDeployments(ctx, ledger.New(db, ledger.Options{}), projectID, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if ds == nil {
					ds = []ledger.Deployment{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ds)
			}
			renderDeploymentTable(cmd.OutOrStdout(), ds)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only show this project")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func listDeployments(ctx context.Context, led *ledger.Ledger, projectID string, limit int) ([]ledger.Deployment, error) {
	if projectID != "" {
		return led.ListByProject(ctx, projectID, limit)
	}
	return led.ListRecent(ctx, limit)
}

func renderDeploymentTable(w io.Writer, ds []ledger.Deployment) {
	if len(ds) == 0 {
		fmt.Fprintln(w, "No deployments.")
		return
	}
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "PROJECT", "STATE", "COMMIT", "BY", "CREATED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, d := range ds {
		t.Row(d.ID[:min(8, len(d.ID))], d.ProjectID, string(d.State), d.ShortCommit(), d.TriggeredBy, d.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w, t.Render())
}

func newDeploymentsShowCommand(flags *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show one deployment with its history, jobs and trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := storage.OpenSQLite(ctx, cfg.State.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(ctx, db, args[0])
				report += "\n"
			} else {
				report, err = inspect.BuildReport(ctx, db, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output report as JSON")
	return cmd
}
