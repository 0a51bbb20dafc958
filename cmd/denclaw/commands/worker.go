package commands

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/denclaw/denclaw/pkg/denclaw/engine"
	"github.com/denclaw/denclaw/pkg/denclaw/worker"
)

// newWorkerCmd creates the `denclaw worker` command. The host spawns it; it
// is not meant to be run by hand. The one-shot config arrives on stdin,
// framed events leave on stdout, logs go to stderr.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one group session loop (spawned by the host)",
		Hidden: true,
		RunE:   runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("proc", "worker")

	wcfg, err := worker.ReadConfig(os.Stdin)
	if err != nil {
		return err
	}

	// The engine invocation comes from the shared config file; the session
	// parameters came over stdin.
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	client := engine.NewCLI(cfg.Engine.Command, cfg.Engine.Args, logger)
	loop := worker.New(wcfg, client, os.Stdout, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrModelMismatch) {
			logger.Error("model identity violation", "error", err)
			os.Exit(2)
		}
		return err
	}
	return nil
}
