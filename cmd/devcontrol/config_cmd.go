package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devcontrol/devcontrol/internal/config"
	"github.com/devcontrol/devcontrol/internal/doctor"
)

// errCheckFailed makes `config check` exit non-zero after printing its report.
var errCheckFailed = errors.New("config check failed")

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock the gateway configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(flags), newConfigLockCommand(flags))
	return cmd
}

func newConfigCheckCommand(flags *globalFlags) *cobra.Command {
	var strict, jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the config, run the doctor and verify checksums",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.resolveConfig(cmd)
			if err != nil {
				return err
			}
			result := runConfigCheck(path)
			if strict && len(result.Warnings) > 0 {
				result.Valid = false
			}

			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(result))
			}
			if !result.Valid {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output report as JSON")
	return cmd
}

func runConfigCheck(path string) *doctor.Result {
	result := &doctor.Result{Valid: true}
	if cfg, err := config.Load(path); err != nil {
		result.AddError("load", "", err.Error())
	} else {
		result = doctor.New(cfg).Validate()
	}

	integrity, err := config.CheckIntegrity(path)
	if err != nil {
		result.AddError("integrity", config.ChecksumFile, err.Error())
		return result
	}
	for _, w := range integrity.Warnings {
		result.AddWarning("integrity", config.ChecksumFile, w)
	}
	for _, e := range integrity.Errors {
		result.AddError("integrity", config.ChecksumFile, e)
	}
	return result
}

func newConfigLockCommand(flags *globalFlags) *cobra.Command {
	var dryRun, verbose bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for the config and its env file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.resolveConfig(cmd)
			if err != nil {
				return err
			}
			file, err := config.ResolveConfigFile(path)
			if err != nil {
				return err
			}
			dir := filepath.Dir(file)
			report, err := config.Lock(dir, config.ScopeFiles(file), dryRun)
			if err != nil {
				return fmt.Errorf("lock config in %s: %w", dir, err)
			}

			out := cmd.OutOrStdout()
			if verbose || dryRun {
				for _, f := range report.Files {
					if f.Present() {
						fmt.Fprintf(out, "  HASH %s: %s\n", f.Name, f.Hash)
						continue
					}
					fmt.Fprintf(out, "  SKIP %s: not found (optional)\n", f.Name)
				}
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: %s not written\n", report.ManifestPath)
				return nil
			}
			fmt.Fprintf(out, "Locked configuration: %s\n", report.ManifestPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute hashes without writing the manifest")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every hashed file")
	return cmd
}
