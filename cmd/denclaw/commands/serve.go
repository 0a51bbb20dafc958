package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/denclaw/denclaw/pkg/denclaw/budget"
	"github.com/denclaw/denclaw/pkg/denclaw/channels"
	"github.com/denclaw/denclaw/pkg/denclaw/database"
	"github.com/denclaw/denclaw/pkg/denclaw/groups"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/router"
	"github.com/denclaw/denclaw/pkg/denclaw/sandbox"
	"github.com/denclaw/denclaw/pkg/denclaw/session"
	"github.com/denclaw/denclaw/pkg/denclaw/supervisor"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
)

// newServeCmd creates the `denclaw serve` command that starts the host.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the host: mailbox router, task scheduler, worker supervisor",
		Long: `Start the denclaw host process. The host scans every group's mailbox,
fires scheduled tasks, and keeps at most one worker process alive per group.

Examples:
  denclaw serve
  denclaw serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	cfg.ResolveAPIKey(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := groups.NewRegistry(db, logger)
	taskStore := tasks.NewStore(db)
	store := mailbox.NewStore(cfg.MailboxRoot, logger)

	sessions, err := session.NewLedger(filepath.Join(cfg.StateDir, "sessions"), logger)
	if err != nil {
		return err
	}

	budgets := budget.NewLedger(cfg.Budget.Path)
	for key, limit := range cfg.Budget.Limits {
		provider, model, ok := strings.Cut(key, ":")
		if !ok {
			logger.Warn("ignoring malformed budget key", "key", key)
			continue
		}
		if err := budgets.SetBudget(provider, model, limit); err != nil {
			return fmt.Errorf("applying budget %q: %w", key, err)
		}
	}

	// Channel adapters are external; without one wired in, deliveries are
	// logged so the rest of the pipeline stays observable.
	manager := channels.NewManager(logger)
	for _, name := range channelNames(registry) {
		if err := manager.Register(&channels.LogSender{ChannelName: name, Logger: logger}); err != nil {
			return err
		}
	}

	workerCmd, workerArgs, err := workerArgv(cfg.Worker.Command, cfg.Worker.Args)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Config{
		WorkerCommand:        workerCmd,
		WorkerArgs:           workerArgs,
		InputRoot:            filepath.Join(cfg.StateDir, "inputs"),
		ArchiveRoot:          filepath.Join(cfg.StateDir, "archives"),
		BudgetPath:           cfg.Budget.Path,
		WorkDir:              cfg.Engine.WorkDir,
		Model:                cfg.Engine.Model,
		Provider:             cfg.Engine.Provider,
		Secrets:              cfg.Secrets(),
		IdleTimeout:          time.Duration(cfg.Worker.IdleTimeoutSec) * time.Second,
		KillGrace:            time.Duration(cfg.Worker.KillGraceSec) * time.Second,
		WorkerPollIntervalMs: cfg.Worker.PollIntervalMs,
	}, registry, sessions, manager, logger)

	restarter := router.NewRestarter(sandbox.NewRunner(logger), router.RestartConfig{
		ValidateCommand: cfg.Restart.ValidateCommand,
		DeployCommand:   cfg.Restart.DeployCommand,
		RestartCommand:  cfg.Restart.SignalCommand,
		RebuildCommand:  cfg.Restart.RebuildCommand,
		Dir:             cfg.Restart.Dir,
		Timeout:         time.Duration(cfg.Restart.TimeoutSec) * time.Second,
	}, cfg.Name, logger)

	rt := router.New(router.Deps{
		Mailbox:   store,
		Groups:    registry,
		Tasks:     taskStore,
		Channels:  manager,
		Sessions:  sessions,
		Budget:    budgets,
		Restarter: restarter,
		Location:  cfg.Location(),
		OnSetMode: sup.SetMode,
		Deliver:   sup.Deliver,
		Logger:    logger,
	})
	rt.SetInterval(time.Duration(cfg.Router.PollIntervalMs) * time.Millisecond)

	scheduler := tasks.NewScheduler(taskStore, func(ctx context.Context, task tasks.Task) error {
		return sup.DeliverTask(ctx, task)
	}, cfg.Location(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("denclaw host starting",
		"name", cfg.Name, "mailbox", cfg.MailboxRoot, "timezone", cfg.Timezone)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return sup.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("denclaw host stopped")
	return nil
}

// workerArgv resolves the worker process argv, defaulting to this binary's
// "worker" subcommand.
func workerArgv(command string, args []string) (string, []string, error) {
	if command != "" {
		return command, args, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("resolving worker binary: %w", err)
	}
	return self, []string{"worker"}, nil
}

// channelNames collects the distinct channel names of registered groups so
// each gets a sender. Always includes "log" as a default route.
func channelNames(registry *groups.Registry) []string {
	names := map[string]bool{"log": true}
	if all, err := registry.List(); err == nil {
		for _, g := range all {
			if g.Channel != "" {
				names[g.Channel] = true
			}
		}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	return out
}
