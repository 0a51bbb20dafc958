package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/sandbox"
)

// replyLimit caps diagnostic output echoed back into a chat.
const replyLimit = 1500

// RestartConfig holds the external commands a restart runs. Each command is
// an argv; an empty command disables that step. The target bot name is
// appended to deploy and restart-signal invocations.
type RestartConfig struct {
	// ValidateCommand builds or checks the target's code before anything
	// irreversible happens.
	ValidateCommand []string

	// DeployCommand rolls out the validated code for a non-self target.
	DeployCommand []string

	// RestartCommand signals the process manager to restart a non-self
	// target.
	RestartCommand []string

	// RebuildCommand rebuilds the worker image.
	RebuildCommand []string

	// Dir is the working directory for all commands.
	Dir string

	// Timeout bounds each command; zero uses the sandbox default.
	Timeout time.Duration
}

// Restarter executes restart and rebuild operations. Validation always runs
// first; a validation failure aborts the operation, reports the diagnostics
// to the requester, and leaves the running process untouched.
type Restarter struct {
	runner   *sandbox.Runner
	cfg      RestartConfig
	selfName string
	exit     func(code int)
	logger   *slog.Logger
}

// NewRestarter creates a restarter. selfName identifies this process; a
// restart targeting it (or naming no target) exits the process for external
// supervision to relaunch.
func NewRestarter(runner *sandbox.Runner, cfg RestartConfig, selfName string, logger *slog.Logger) *Restarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restarter{
		runner:   runner,
		cfg:      cfg,
		selfName: selfName,
		exit:     func(code int) { os.Exit(code) },
		logger:   logger.With("component", "restart"),
	}
}

// Restart validates and then restarts the named bot, or this process when
// bot is empty or names us. All outcomes are reported through reply.
func (rs *Restarter) Restart(ctx context.Context, bot string, reply func(text string)) {
	if !rs.validate(ctx, reply) {
		return
	}

	if bot == "" || bot == rs.selfName {
		rs.logger.Info("restarting self", "bot", rs.selfName)
		reply("validation passed, restarting " + rs.selfName)
		rs.exit(0)
		return
	}

	if len(rs.cfg.DeployCommand) > 0 {
		if !rs.runStep(ctx, "deploy", append(rs.cfg.DeployCommand, bot), reply) {
			return
		}
	}
	if len(rs.cfg.RestartCommand) > 0 {
		if !rs.runStep(ctx, "restart", append(rs.cfg.RestartCommand, bot), reply) {
			return
		}
	}
	rs.logger.Info("restart signalled", "bot", bot)
	reply("restarted " + bot)
}

// Rebuild rebuilds the worker image after validation.
func (rs *Restarter) Rebuild(ctx context.Context, bot string, reply func(text string)) {
	if !rs.validate(ctx, reply) {
		return
	}
	if len(rs.cfg.RebuildCommand) == 0 {
		reply("no rebuild command configured")
		return
	}
	argv := rs.cfg.RebuildCommand
	if bot != "" {
		argv = append(argv, bot)
	}
	if !rs.runStep(ctx, "rebuild", argv, reply) {
		return
	}
	rs.logger.Info("image rebuilt", "bot", bot)
	reply("rebuild complete")
}

// validate runs the validation command. Returns false when the operation
// must abort; the diagnostics have already been reported.
func (rs *Restarter) validate(ctx context.Context, reply func(text string)) bool {
	if len(rs.cfg.ValidateCommand) == 0 {
		return true
	}
	return rs.runStep(ctx, "validation", rs.cfg.ValidateCommand, reply)
}

// runStep executes one command and reports failure diagnostics. Returns
// whether the step succeeded.
func (rs *Restarter) runStep(ctx context.Context, step string, argv []string, reply func(text string)) bool {
	res, err := rs.runner.Run(ctx, sandbox.Request{
		Command: argv[0],
		Args:    argv[1:],
		Dir:     rs.cfg.Dir,
		Env:     os.Environ(),
		Timeout: rs.cfg.Timeout,
	})
	if err != nil {
		rs.logger.Error("step could not run", "step", step, "error", err)
		reply(fmt.Sprintf("%s failed to run: %v", step, err))
		return false
	}
	if res.TimedOut {
		rs.logger.Warn("step timed out", "step", step)
		reply(step + " timed out")
		return false
	}
	if res.ExitCode != 0 {
		rs.logger.Warn("step failed", "step", step, "exit_code", res.ExitCode)
		reply(fmt.Sprintf("%s failed (exit %d):\n%s", step, res.ExitCode, diagnostics(res)))
		return false
	}
	rs.logger.Info("step succeeded", "step", step, "duration", res.Duration)
	return true
}

// diagnostics extracts a reply-sized excerpt of a failed step's output.
func diagnostics(res *sandbox.Result) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if out == "" {
		return "(no output)"
	}
	if len(out) > replyLimit {
		out = out[:replyLimit] + "\n... [truncated]"
	}
	return out
}
