// Package worker implements the session loop that runs inside an isolated
// worker process. The loop owns one reasoning-engine call at a time, keeps
// the call's input open as a push-based stream so follow-up messages join
// the in-flight turn, and emits framed events on the single output stream
// shared with diagnostic text.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/budget"
	"github.com/denclaw/denclaw/pkg/denclaw/engine"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/wire"
)

// DefaultPollInterval is how often the loop checks its input directory for
// follow-up messages and the shutdown sentinel, both while a turn is active
// and while idle. The loop never busy-spins: idle waiting uses this same
// interval.
const DefaultPollInterval = time.Second

// Config is the one-shot handshake read from the worker's input channel at
// startup. It is read exactly once, never polled.
type Config struct {
	// Prompt seeds the first turn.
	Prompt string `json:"prompt"`

	// SessionID and LastTurnID form the resume point from the continuity
	// ledger; empty/zero starts a fresh session.
	SessionID  string `json:"session_id,omitempty"`
	LastTurnID int64  `json:"last_turn_id,omitempty"`

	// GroupFolder identifies the owning group; ChatID the target chat.
	GroupFolder string `json:"group_folder"`
	ChatID      string `json:"chat_id"`

	// IsMain marks a privileged session, which enforces the model-identity
	// invariant.
	IsMain bool `json:"is_main,omitempty"`

	// IsScheduledTask marks a turn seeded by the scheduler.
	IsScheduledTask bool `json:"is_scheduled_task,omitempty"`

	// Model requests a specific engine model; Provider names the vendor for
	// budget accounting.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	// Secrets are credential values the engine needs. Their names are
	// stripped from the environment of any shell-executing tool call.
	Secrets map[string]string `json:"secrets,omitempty"`

	// InputDir is the well-known directory polled for follow-up message
	// files and the shutdown sentinel.
	InputDir string `json:"input_dir"`

	// ArchiveDir receives transcript archives before compaction.
	ArchiveDir string `json:"archive_dir,omitempty"`

	// BudgetPath locates the capability budget ledger.
	BudgetPath string `json:"budget_path,omitempty"`

	// PollIntervalMs overrides DefaultPollInterval.
	PollIntervalMs int `json:"poll_interval_ms,omitempty"`

	// WorkDir is the engine working directory.
	WorkDir string `json:"work_dir,omitempty"`
}

// ReadConfig decodes the handshake from the worker's input channel.
func ReadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("reading worker config: %w", err)
	}
	if cfg.GroupFolder == "" {
		return nil, fmt.Errorf("worker config missing group_folder")
	}
	if cfg.InputDir == "" {
		return nil, fmt.Errorf("worker config missing input_dir")
	}
	return &cfg, nil
}

// FollowUp is one follow-up message file dropped into the input directory
// while the worker is alive.
type FollowUp struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// ErrModelMismatch is the fatal error for a privileged session whose engine
// initialized a model other than the requested one. Silent model
// substitution is a correctness and cost hazard, so this never degrades to
// a fallback.
var ErrModelMismatch = errors.New("engine initialized an unexpected model")

// Loop is the per-worker session state machine:
// START → RUNNING (turn active) → IDLE → RUNNING … → CLOSED.
type Loop struct {
	cfg    *Config
	client engine.Client
	out    *wire.Writer
	logger *slog.Logger
	ledger *budget.Ledger
	filter *progressFilter
	poll   time.Duration

	// transcript accumulates the turn history for archiving.
	transcript []engine.Event

	sessionID string
	lastTurn  int64
	model     string
}

// New creates a session loop. Events are framed onto out (the worker's
// stdout in production).
func New(cfg *Config, client engine.Client, out io.Writer, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	poll := DefaultPollInterval
	if cfg.PollIntervalMs > 0 {
		poll = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	l := &Loop{
		cfg:       cfg,
		client:    client,
		out:       wire.NewWriter(out),
		logger:    logger.With("component", "worker", "group", cfg.GroupFolder),
		filter:    newProgressFilter(),
		poll:      poll,
		sessionID: cfg.SessionID,
		lastTurn:  cfg.LastTurnID,
		model:     cfg.Model,
	}
	if cfg.BudgetPath != "" {
		l.ledger = budget.NewLedger(cfg.BudgetPath)
	}
	return l
}

// Run drives the loop until a shutdown sentinel appears or the context is
// cancelled. A model-identity violation returns ErrModelMismatch after an
// error result has been emitted; the process should then exit non-zero.
func (l *Loop) Run(ctx context.Context) error {
	seeds := []engine.Message{{Text: l.cfg.Prompt}}

	for {
		shutdown, err := l.runTurn(ctx, seeds)
		if err != nil {
			return err
		}
		if shutdown {
			// Terminating without a session-update event: emitting one here
			// would reset the host's idle timer during shutdown.
			l.logger.Info("shutdown sentinel honored")
			return nil
		}

		if err := l.out.Emit(wire.Event{
			Type:      wire.TypeSession,
			SessionID: l.sessionID,
			TurnID:    l.lastTurn,
			Model:     l.model,
			ChatID:    l.cfg.ChatID,
		}); err != nil {
			return fmt.Errorf("emitting session event: %w", err)
		}

		seeds, shutdown, err = l.awaitNext(ctx)
		if err != nil {
			return err
		}
		if shutdown {
			l.logger.Info("shutdown sentinel honored while idle")
			return nil
		}
	}
}

// runTurn opens one engine call seeded with seeds and keeps its input
// stream open, draining the input directory into it on every poll tick.
// Returns shutdown=true when the sentinel ended the call.
func (l *Loop) runTurn(ctx context.Context, seeds []engine.Message) (shutdown bool, err error) {
	input := make(chan engine.Message, 16+len(seeds))
	for _, m := range seeds {
		input <- m
	}

	secretNames := make([]string, 0, len(l.cfg.Secrets))
	env := os.Environ()
	for name, value := range l.cfg.Secrets {
		secretNames = append(secretNames, name)
		env = append(env, name+"="+value)
	}
	sort.Strings(secretNames)

	events, err := l.client.Query(ctx, engine.Options{
		Model:           l.cfg.Model,
		SessionID:       l.sessionID,
		ResumeAfterTurn: l.lastTurn,
		WorkDir:         l.cfg.WorkDir,
		Env:             env,
		StripEnv:        secretNames,
	}, input)
	if err != nil {
		return false, fmt.Errorf("opening engine call: %w", err)
	}

	// Poll the input directory while the call is outstanding. New items are
	// pushed into the same open stream; the sentinel closes it, letting the
	// call unwind naturally.
	pollDone := make(chan bool, 1)
	pollStop := make(chan struct{})
	go l.pollInput(ctx, input, pollStop, pollDone)

	var turnChars int64
	for _, m := range seeds {
		turnChars += int64(len(m.Text))
	}

	fatal := error(nil)
	for ev := range events {
		l.transcript = append(l.transcript, ev)

		switch ev.Kind {
		case engine.KindInit:
			if ev.SessionID != "" {
				l.sessionID = ev.SessionID
			}
			if ev.Model != "" {
				l.model = ev.Model
			}
			if l.cfg.IsMain && l.cfg.Model != "" && !ModelMatches(l.cfg.Model, ev.Model) {
				fatal = fmt.Errorf("%w: requested %q, got %q", ErrModelMismatch, l.cfg.Model, ev.Model)
				l.emitError(fatal.Error())
				// Let the call unwind; no further input will be accepted.
				close(pollStop)
				pollStop = nil
				drainEvents(events)
				break
			}

		case engine.KindText:
			if l.filter.allowText(ev.Text) {
				l.out.Emit(wire.Event{
					Type:   wire.TypeProgress,
					Text:   ev.Text,
					ChatID: l.cfg.ChatID,
				})
			}

		case engine.KindToolUse:
			if l.filter.allowTool(ev.ToolID) {
				l.out.Emit(wire.Event{
					Type:   wire.TypeProgress,
					Text:   ev.Text,
					Tool:   ev.Tool,
					ChatID: l.cfg.ChatID,
				})
			}

		case engine.KindCompaction:
			// The underlying transcript is about to be lost; archive it
			// first, keyed by the engine's summary name when offered.
			if path, aerr := archiveTranscript(l.cfg.ArchiveDir, ev.Summary, l.transcript); aerr != nil {
				l.logger.Warn("transcript archive failed", "error", aerr)
			} else if path != "" {
				l.logger.Info("transcript archived", "path", path)
			}

		case engine.KindResult:
			// A resumed engine may replay turns at or before the persisted
			// resume point; their output was already delivered.
			if ev.TurnID > 0 && ev.TurnID <= l.lastTurn {
				l.logger.Warn("dropping replayed turn result",
					"turn", ev.TurnID, "last_turn", l.lastTurn)
				continue
			}
			turnChars += int64(len(ev.Text))
			if ev.TurnID > l.lastTurn {
				l.lastTurn = ev.TurnID
			}
			if ev.IsError {
				l.emitError(ev.Err)
				continue
			}
			text := ev.Text
			l.out.Emit(wire.Event{
				Type:      wire.TypeResult,
				Status:    wire.StatusSuccess,
				Result:    &text,
				SessionID: l.sessionID,
				TurnID:    l.lastTurn,
				Model:     l.model,
				ChatID:    l.cfg.ChatID,
			})
			l.recordUsage(turnChars)
			turnChars = 0
		}

		if fatal != nil {
			break
		}
	}

	if pollStop != nil {
		close(pollStop)
	}
	shutdown = <-pollDone
	if fatal != nil {
		return false, fatal
	}
	return shutdown, nil
}

// pollInput drains follow-up files into the open input stream on a fixed
// interval. On sentinel it closes the stream, reports shutdown=true and
// returns. On stop it reports whether the sentinel had been seen.
func (l *Loop) pollInput(ctx context.Context, input chan<- engine.Message, stop <-chan struct{}, done chan<- bool) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	closed := false
	defer func() {
		if !closed {
			close(input)
		}
	}()

	for {
		select {
		case <-stop:
			done <- false
			return
		case <-ctx.Done():
			done <- false
			return
		case <-ticker.C:
			if mailbox.SentinelPresent(l.cfg.InputDir, mailbox.ShutdownSentinel) {
				mailbox.ClearSentinel(l.cfg.InputDir, mailbox.ShutdownSentinel)
				close(input)
				closed = true
				done <- true
				return
			}
			for _, fu := range l.drainInputDir() {
				select {
				case input <- engine.Message{Text: fu.Text, Sender: fu.Sender}:
				case <-stop:
					done <- false
					return
				case <-ctx.Done():
					done <- false
					return
				}
			}
		}
	}
}

// awaitNext blocks in IDLE until a new input item or the shutdown sentinel
// appears, waking on the poll interval.
func (l *Loop) awaitNext(ctx context.Context) ([]engine.Message, bool, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, true, nil
		case <-ticker.C:
			if mailbox.SentinelPresent(l.cfg.InputDir, mailbox.ShutdownSentinel) {
				mailbox.ClearSentinel(l.cfg.InputDir, mailbox.ShutdownSentinel)
				return nil, true, nil
			}
			if followUps := l.drainInputDir(); len(followUps) > 0 {
				msgs := make([]engine.Message, 0, len(followUps))
				for _, fu := range followUps {
					msgs = append(msgs, engine.Message{Text: fu.Text, Sender: fu.Sender})
				}
				return msgs, false, nil
			}
		}
	}
}

// drainInputDir parses and deletes every follow-up file in the input
// directory, in filename (timestamp) order. Malformed files are renamed
// aside so they are never re-read; one bad file never stops the drain.
func (l *Loop) drainInputDir() []FollowUp {
	entries, err := os.ReadDir(l.cfg.InputDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("input dir unreadable", "error", err)
		}
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []FollowUp
	for _, name := range names {
		path := filepath.Join(l.cfg.InputDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("unreadable follow-up", "file", name, "error", err)
			continue
		}
		var fu FollowUp
		if err := json.Unmarshal(data, &fu); err != nil {
			os.Rename(path, path+".malformed")
			l.logger.Warn("malformed follow-up set aside", "file", name, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			l.logger.Warn("failed to claim follow-up", "file", name, "error", err)
			continue
		}
		out = append(out, fu)
	}
	return out
}

func (l *Loop) emitError(msg string) {
	l.out.Emit(wire.Event{
		Type:      wire.TypeResult,
		Status:    wire.StatusError,
		Error:     msg,
		SessionID: l.sessionID,
		TurnID:    l.lastTurn,
		Model:     l.model,
		ChatID:    l.cfg.ChatID,
	})
}

func (l *Loop) recordUsage(chars int64) {
	if l.ledger == nil || l.cfg.Provider == "" || l.model == "" {
		return
	}
	if err := l.ledger.RecordUsage(l.cfg.Provider, l.model, budget.TokensForChars(chars)); err != nil {
		l.logger.Warn("budget update failed", "error", err)
	}
}

// ModelMatches reports whether the engine's reported model satisfies the
// requested one. Family-level aliases are allowed: "opus" matches
// "claude-opus-4-5-20251101". Comparison is case-insensitive.
func ModelMatches(requested, reported string) bool {
	req := strings.ToLower(strings.TrimSpace(requested))
	rep := strings.ToLower(strings.TrimSpace(reported))
	if req == "" || req == rep {
		return true
	}
	if rep == "" {
		return false
	}
	if strings.HasPrefix(rep, req) {
		return true
	}
	for _, tok := range strings.Split(rep, "-") {
		if tok == req {
			return true
		}
	}
	return false
}

// drainEvents discards remaining events so the engine goroutines can exit.
func drainEvents(events <-chan engine.Event) {
	for range events {
	}
}
