package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devcontrol/devcontrol/internal/agent"
	"github.com/devcontrol/devcontrol/internal/api"
	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/broker"
	"github.com/devcontrol/devcontrol/internal/config"
	"github.com/devcontrol/devcontrol/internal/dispatch"
	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/lock"
	"github.com/devcontrol/devcontrol/internal/log"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/queue"
	"github.com/devcontrol/devcontrol/internal/scheduler"
	"github.com/devcontrol/devcontrol/internal/storage"
	"github.com/devcontrol/devcontrol/internal/telegram"
	"github.com/devcontrol/devcontrol/internal/webhook"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("devcontrol starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		return fmt.Errorf("acquire PID lock %s (another instance may be running): %w", pidLockPath, err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(256)
	m := metrics.New()

	projects := project.NewStore(db, project.Options{})
	if err := projects.Seed(ctx, projectsFromConfig(cfg)); err != nil {
		return fmt.Errorf("seed projects: %w", err)
	}
	logger.Info("projects loaded", "count", len(cfg.Projects))

	led := ledger.New(db, ledger.Options{
		Locks:   lock.NewKeyed(),
		Events:  hub,
		Metrics: m,
		Logger:  log.WithComponent("ledger"),
	})
	eventLog := eventstore.NewStore(db)
	q := queue.New(db)

	bot, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.BotToken,
		PollTimeout: cfg.Telegram.PollTimeout,
		SendRate:    cfg.Telegram.SendRate,
		Burst:       cfg.Telegram.Burst,
		Debug:       cfg.Telegram.Debug,
	}, log.Get())
	if err != nil {
		return err
	}

	b := broker.New(broker.Config{
		AgentURL:        cfg.Agent.URL,
		ApprovalTimeout: cfg.Approval.Timeout,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
	}, broker.Deps{
		Ledger:    led,
		Projects:  projects,
		Events:    eventLog,
		Outbox:    q,
		Agent:     agent.NewClient(cfg.Agent.Token, cfg.Agent.Timeout),
		Messenger: bot,
		Hub:       hub,
		Metrics:   m,
	}, log.WithComponent("broker"))
	bot.SetResolver(b)

	disp := dispatch.New(dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		BackoffBase:  cfg.Dispatch.BackoffBase,
		BackoffMax:   cfg.Dispatch.BackoffMax,
	}, q, map[queue.Kind]dispatch.Route{
		queue.KindNotify:  {Run: b.Deliver, Exhausted: b.DeliveryExhausted},
		queue.KindExecute: {Run: b.Execute, Exhausted: b.ExecuteExhausted},
	}, m, log.Get())

	sched := scheduler.New(scheduler.Config{
		TickInterval:    cfg.Service.TickInterval,
		ApprovalTimeout: cfg.Approval.Timeout,
		JobLogRetention: cfg.Service.JobLogRetention,
	}, q, b, led, hub, log.Get())

	intake := webhook.New(webhook.Config{
		Listen:      cfg.Webhook.Listen,
		MaxBodySize: cfg.Webhook.MaxBodyBytes,
	}, webhook.Deps{
		Projects:  projects,
		Events:    eventLog,
		Ledger:    led,
		Approvals: b,
		Hub:       hub,
		Metrics:   m,
	}, log.WithComponent("webhook"))

	g, gctx := errgroup.WithContext(ctx)

	// Recovery runs to completion before any worker claims a job.
	if err := sched.Start(gctx); err != nil {
		return err
	}
	defer sched.Stop()

	g.Go(func() error { return disp.Start(gctx) })
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return intake.Start(gctx) })

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			Tokens: apiTokens(cfg),
		}, api.Deps{
			Projects:    projects,
			Deployments: led,
			Events:      eventLog,
			Jobs:        q,
			Approvals:   b,
			Hub:         hub,
			Metrics:     m,
		}, log.WithComponent("api"))
		g.Go(func() error { return apiServer.Start(gctx) })
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("devcontrol running (press Ctrl+C to stop)")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("devcontrol stopped")
	return nil
}

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "devcontrol.pid")
}

func projectsFromConfig(cfg *config.Config) []project.Project {
	out := make([]project.Project, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		out = append(out, project.Project{
			ID:            p.ID,
			Name:          p.Name,
			Repository:    p.Repository,
			Branch:        p.Branch,
			WebhookSecret: p.WebhookSecret,
			ChatID:        p.ChatID,
			AgentURL:      p.AgentURL,
		})
	}
	return out
}

func apiTokens(cfg *config.Config) []auth.TokenConfig {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:   t.Name,
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return tokens
}
