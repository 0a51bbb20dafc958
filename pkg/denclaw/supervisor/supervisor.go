// Package supervisor manages worker processes on the host side. It
// guarantees at most one active worker per group, hands each new worker its
// one-shot config on stdin, relays the worker's framed stdout events to the
// channel manager and the session ledger, and injects new input into an
// already-running worker through its input directory instead of spawning a
// second process.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denclaw/denclaw/pkg/denclaw/channels"
	"github.com/denclaw/denclaw/pkg/denclaw/groups"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/sandbox"
	"github.com/denclaw/denclaw/pkg/denclaw/session"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
	"github.com/denclaw/denclaw/pkg/denclaw/wire"
	"github.com/denclaw/denclaw/pkg/denclaw/worker"
)

// Defaults for worker lifecycle timing.
const (
	DefaultIdleTimeout = 10 * time.Minute
	DefaultKillGrace   = 30 * time.Second
	DefaultReapTick    = 15 * time.Second
)

// Config holds supervisor settings.
type Config struct {
	// WorkerCommand and WorkerArgs form the worker process argv, typically
	// this binary with the "worker" subcommand.
	WorkerCommand string
	WorkerArgs    []string

	// InputRoot is where per-group worker input directories live.
	InputRoot string

	// ArchiveRoot is where per-group transcript archives land.
	ArchiveRoot string

	// BudgetPath locates the shared capability budget ledger.
	BudgetPath string

	// WorkDir is the engine working directory passed to workers.
	WorkDir string

	// Model and Provider select the engine configuration for new workers.
	Model    string
	Provider string

	// Secrets are credential values handed to each worker over stdin.
	Secrets map[string]string

	// IdleTimeout is how long a worker may sit without activity before the
	// shutdown sentinel is dropped. KillGrace bounds how long the worker may
	// take to honor the sentinel before it is killed.
	IdleTimeout time.Duration
	KillGrace   time.Duration

	// WorkerPollIntervalMs overrides the worker's input poll interval.
	WorkerPollIntervalMs int
}

// Supervisor spawns and tracks workers.
type Supervisor struct {
	cfg      Config
	groups   *groups.Registry
	sessions *session.Ledger
	channels *channels.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*handle
	mode    runtimeMode
}

// runtimeMode is engine configuration applied to future spawns, changed at
// runtime by the privileged setMode operation.
type runtimeMode struct {
	mode  string
	model string
}

// handle tracks one live worker process.
type handle struct {
	group    string
	chatID   string
	channel  string
	isolated bool
	inputDir string
	cmd      *exec.Cmd
	done     chan struct{}

	mu         sync.Mutex
	lastActive time.Time
	sentinelAt time.Time
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// New creates a supervisor.
func New(cfg Config, reg *groups.Registry, sessions *session.Ledger, mgr *channels.Manager, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Supervisor{
		cfg:      cfg,
		groups:   reg,
		sessions: sessions,
		channels: mgr,
		logger:   logger.With("component", "supervisor"),
		workers:  make(map[string]*handle),
		mode:     runtimeMode{model: cfg.Model},
	}
}

// SetMode changes the engine configuration for future worker spawns. Active
// workers keep their current configuration until they exit.
func (s *Supervisor) SetMode(mode, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode.mode = mode
	if model != "" {
		s.mode.model = model
	}
	s.logger.Info("runtime mode changed", "mode", mode, "model", s.mode.model)
	return nil
}

// Active reports whether a worker is currently running for the group.
func (s *Supervisor) Active(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[group]
	return ok && h.alive()
}

// Deliver routes one user message to a group's session. An active worker
// receives it as a follow-up file joining the in-flight turn; otherwise a
// new worker is spawned with the message as its seed prompt.
func (s *Supervisor) Deliver(ctx context.Context, group, text, sender string) error {
	return s.deliver(ctx, group, worker.FollowUp{Text: text, Sender: sender}, spawnOpts{})
}

// DeliverTask routes a fired scheduled task. Isolated tasks get a fresh
// session; when a worker is already active the task joins it as a follow-up
// instead, preserving at-most-one worker per group.
func (s *Supervisor) DeliverTask(ctx context.Context, task tasks.Task) error {
	return s.deliver(ctx, task.GroupFolder, worker.FollowUp{Text: task.Prompt, Sender: "scheduler"}, spawnOpts{
		scheduledTask: true,
		isolated:      task.ContextMode == tasks.ContextIsolated,
		chatID:        task.ChatID,
	})
}

// deliver hands the message to the group's active worker or spawns one. A
// worker that exits while the follow-up file is being written would strand
// the message until some later spawn, so after the write the handoff is
// re-checked: if the worker is gone and no successor claimed the file, it is
// reclaimed into a fresh seed prompt.
func (s *Supervisor) deliver(ctx context.Context, group string, fu worker.FollowUp, opts spawnOpts) error {
	s.mu.Lock()
	h, ok := s.workers[group]
	if !ok || !h.alive() {
		defer s.mu.Unlock()
		return s.spawnLocked(ctx, group, fu.Text, opts)
	}
	s.mu.Unlock()

	h.touch()
	path, err := writeFollowUp(h.inputDir, fu)
	if err != nil {
		return err
	}
	if h.alive() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.workers[group]; ok && cur.alive() {
		return nil
	}
	// A missing file means a newer worker already claimed the message.
	if err := os.Remove(path); err != nil {
		return nil
	}
	s.logger.Info("worker exited during handoff, reclaiming follow-up", "group", group)
	return s.spawnLocked(ctx, group, fu.Text, opts)
}

// spawnOpts tweak a spawn.
type spawnOpts struct {
	scheduledTask bool
	isolated      bool
	chatID        string
}

// spawnLocked starts a worker for the group. Caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, group, prompt string, opts spawnOpts) error {
	g, err := s.groups.Get(group)
	if err != nil {
		return fmt.Errorf("spawning worker for unknown group %q: %w", group, err)
	}
	chatID := opts.chatID
	if chatID == "" {
		chatID = g.ChatID
	}

	inputDir := filepath.Join(s.cfg.InputRoot, group)
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return fmt.Errorf("creating worker input dir: %w", err)
	}
	// A sentinel left over from a crashed worker would shut the new one down
	// immediately.
	mailbox.ClearSentinel(inputDir, mailbox.ShutdownSentinel)

	cfg := worker.Config{
		Prompt:          prompt,
		GroupFolder:     group,
		ChatID:          chatID,
		IsMain:          g.IsMain,
		IsScheduledTask: opts.scheduledTask,
		Model:           s.mode.model,
		Provider:        s.cfg.Provider,
		Secrets:         s.cfg.Secrets,
		InputDir:        inputDir,
		BudgetPath:      s.cfg.BudgetPath,
		PollIntervalMs:  s.cfg.WorkerPollIntervalMs,
		WorkDir:         s.cfg.WorkDir,
	}
	if s.cfg.ArchiveRoot != "" {
		cfg.ArchiveDir = filepath.Join(s.cfg.ArchiveRoot, group)
	}
	if !opts.isolated {
		if prev, err := s.sessions.Get(group); err == nil {
			cfg.SessionID = prev.SessionID
			cfg.LastTurnID = prev.LastTurnID
		}
	}

	handshake, err := json.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encoding worker config: %w", err)
	}

	cmd := exec.Command(s.cfg.WorkerCommand, s.cfg.WorkerArgs...)
	// Secrets reach the worker through the handshake only, never through the
	// ambient environment.
	secretNames := make([]string, 0, len(s.cfg.Secrets))
	for name := range s.cfg.Secrets {
		secretNames = append(secretNames, name)
	}
	cmd.Env = sandbox.StripNames(os.Environ(), secretNames)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	h := &handle{
		group:      group,
		chatID:     chatID,
		channel:    g.Channel,
		isolated:   opts.isolated,
		inputDir:   inputDir,
		cmd:        cmd,
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	s.workers[group] = h
	s.logger.Info("worker started", "group", group, "pid", cmd.Process.Pid,
		"resumed_session", cfg.SessionID != "", "isolated", opts.isolated)

	// The handshake is one-shot: write it and close stdin.
	go func() {
		stdin.Write(handshake)
		stdin.Close()
	}()

	go s.attend(ctx, h, stdout)
	return nil
}

// attend reads a worker's framed stdout until the process exits, then
// removes it from the active set.
func (s *Supervisor) attend(ctx context.Context, h *handle, stdout io.Reader) {
	err := wire.Scan(stdout,
		func(ev wire.Event) { s.relay(ctx, h, ev) },
		func(line string) {
			s.logger.Debug("worker output", "group", h.group, "line", line)
		},
	)
	if err != nil {
		s.logger.Warn("worker stream ended abnormally", "group", h.group, "error", err)
	}

	waitErr := h.cmd.Wait()
	close(h.done)

	s.mu.Lock()
	if s.workers[h.group] == h {
		delete(s.workers, h.group)
	}
	s.mu.Unlock()

	if waitErr != nil {
		s.logger.Warn("worker exited", "group", h.group, "error", waitErr)
		return
	}
	s.logger.Info("worker exited", "group", h.group)
}

// relay dispatches one worker event: session updates go to the continuity
// ledger, results and progress to the chat.
func (s *Supervisor) relay(ctx context.Context, h *handle, ev wire.Event) {
	h.touch()
	chatID := ev.ChatID
	if chatID == "" {
		chatID = h.chatID
	}

	switch ev.Type {
	case wire.TypeSession:
		// Isolated task sessions must not clobber the group's resume point.
		if h.isolated {
			return
		}
		err := s.sessions.Put(h.group, session.Session{
			SessionID:   ev.SessionID,
			GroupFolder: h.group,
			LastTurnID:  ev.TurnID,
			ActiveModel: ev.Model,
		})
		if err != nil {
			s.logger.Error("session ledger update failed", "group", h.group, "error", err)
		}

	case wire.TypeResult:
		text := ev.Error
		if ev.Status == wire.StatusSuccess && ev.Result != nil {
			text = *ev.Result
		}
		if text == "" {
			return
		}
		if err := s.channels.Send(ctx, h.channel, chatID, text); err != nil {
			s.logger.Error("result delivery failed", "group", h.group, "error", err)
		}

	case wire.TypeProgress:
		text := ev.Text
		if text == "" && ev.Tool != "" {
			text = "using " + ev.Tool
		}
		if text == "" {
			return
		}
		if err := s.channels.Send(ctx, h.channel, chatID, text); err != nil {
			s.logger.Error("progress delivery failed", "group", h.group, "error", err)
		}
	}
}

// Run reaps idle workers until the context is cancelled, then shuts all
// workers down.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultReapTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.reap(time.Now())
		}
	}
}

// reap drops the shutdown sentinel for workers idle past the timeout and
// kills workers that ignored the sentinel past the grace period.
func (s *Supervisor) reap(now time.Time) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if !h.alive() {
			continue
		}
		h.mu.Lock()
		idle := now.Sub(h.lastActive)
		sentinelAt := h.sentinelAt
		h.mu.Unlock()

		switch {
		case !sentinelAt.IsZero() && now.Sub(sentinelAt) > s.cfg.KillGrace:
			s.logger.Warn("worker ignored shutdown sentinel, killing",
				"group", h.group, "pid", h.cmd.Process.Pid)
			h.cmd.Process.Kill()

		case sentinelAt.IsZero() && idle > s.cfg.IdleTimeout:
			s.logger.Info("idle worker, requesting shutdown", "group", h.group, "idle", idle)
			if err := mailbox.DropSentinel(h.inputDir, mailbox.ShutdownSentinel); err != nil {
				s.logger.Error("sentinel drop failed", "group", h.group, "error", err)
				continue
			}
			h.mu.Lock()
			h.sentinelAt = now
			h.mu.Unlock()
		}
	}
}

// Shutdown requests every worker to stop and kills stragglers after the
// grace period.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := mailbox.DropSentinel(h.inputDir, mailbox.ShutdownSentinel); err != nil {
			s.logger.Error("sentinel drop failed", "group", h.group, "error", err)
		}
	}

	deadline := time.After(s.cfg.KillGrace)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.logger.Warn("killing worker at shutdown", "group", h.group)
			h.cmd.Process.Kill()
			<-h.done
		}
	}
}

// writeFollowUp drops one follow-up message file into a worker input
// directory, named so a sorted listing preserves arrival order, and returns
// the written path.
var writeFollowUp = func(dir string, fu worker.FollowUp) (string, error) {
	data, err := json.Marshal(fu)
	if err != nil {
		return "", fmt.Errorf("encoding follow-up: %w", err)
	}
	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing follow-up: %w", err)
	}
	return path, nil
}
