package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/devcontrol/devcontrol/internal/protocol"
)

// Trigger is one requested run. Its fields reach the command only through
// the environment.
type Trigger struct {
	Action  string
	Branch  string
	User    string
	Project string
}

// Result describes a finished run. A non-zero exit is a Result, not an error.
type Result struct {
	Status    string
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
	Reason    string
}

// Success reports whether the run exited zero within its timeout.
func (r Result) Success() bool { return r.Status == protocol.StatusSuccess }

// Runner executes the configured commands.
type Runner struct {
	cfg    *Config
	logger *slog.Logger
}

func NewRunner(cfg *Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Run resolves t.Action to its command and executes it through the shell.
// Unknown or unconfigured actions fail before anything is spawned. The
// returned error is reserved for those and for spawn failures.
func (r *Runner) Run(ctx context.Context, t Trigger) (Result, error) {
	command, err := r.cfg.Command(t.Action)
	if err != nil {
		return Result{}, err
	}

	logger := r.logger.With("action", t.Action, "project", t.Project)

	cmd := exec.Command(r.cfg.Shell, "-c", command)
	cmd.Dir = r.cfg.Workdir
	cmd.Env = append(os.Environ(),
		"DEVCONTROL_ACTION="+t.Action,
		"DEVCONTROL_BRANCH="+t.Branch,
		"DEVCONTROL_USER="+t.User,
		"DEVCONTROL_PROJECT="+t.Project,
	)
	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	// Bounds Wait when a grandchild keeps the output pipes open.
	cmd.WaitDelay = r.cfg.KillGrace + time.Second

	logger.Debug("spawning command", "timeout", r.cfg.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s command: %w", t.Action, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(r.cfg.Timeout)
	defer timeoutTimer.Stop()

	var (
		runErr   error
		timedOut bool
		reason   string
	)
	select {
	case runErr = <-waitErr:
	case <-timeoutTimer.C:
		logger.Warn("command timed out, sending SIGTERM")
		timedOut = true
		reason = fmt.Sprintf("timed out after %s", r.cfg.Timeout)
		runErr = r.terminate(cmd, waitErr, logger)
	case <-ctx.Done():
		logger.Warn("run cancelled, sending SIGTERM", "error", ctx.Err())
		reason = fmt.Sprintf("cancelled: %v", ctx.Err())
		runErr = r.terminate(cmd, waitErr, logger)
	}

	res := Result{
		Status:    protocol.StatusFailed,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		TimedOut:  timedOut,
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Reason:    reason,
	}

	var exitErr *exec.ExitError
	switch {
	case reason != "":
		res.ExitCode = -1
	case runErr == nil:
		res.Status = protocol.StatusSuccess
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Reason = runErr.Error()
	default:
		res.ExitCode = -1
		res.Reason = fmt.Sprintf("wait: %v", runErr)
	}

	logger.Info("command finished",
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"truncated", res.Truncated,
	)
	return res, nil
}

// terminate sends SIGTERM to the process group, then SIGKILL once the
// grace period lapses, and returns the Wait result.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if err := signalGroup(cmd, false); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("command exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, true); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}
