package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CLI is a Client backed by an external engine binary speaking JSON lines:
// one Message per stdin line, one Event per stdout line. The binary's stderr
// is passed through to ours so diagnostics stay visible.
type CLI struct {
	// Command is the engine binary.
	Command string

	// Args are fixed arguments prepended to the per-call flags.
	Args []string

	Logger *slog.Logger
}

// NewCLI creates a subprocess-backed engine client.
func NewCLI(command string, args []string, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{Command: command, Args: args, Logger: logger.With("component", "engine")}
}

// Query implements Client. The subprocess runs until its stdin is closed
// (input channel closed) or the context is cancelled.
func (c *CLI) Query(ctx context.Context, opts Options, input <-chan Message) (<-chan Event, error) {
	args := append([]string{}, c.Args...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
		if opts.ResumeAfterTurn > 0 {
			args = append(args, "--resume-after-turn", strconv.FormatInt(opts.ResumeAfterTurn, 10))
		}
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if len(opts.StripEnv) > 0 {
		args = append(args, "--strip-env", strings.Join(opts.StripEnv, ","))
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = opts.Env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	c.Logger.Debug("engine started", "command", c.Command, "pid", cmd.Process.Pid)

	// Pump input messages into the engine. Closing the input channel closes
	// stdin, which is the engine's "no more input" signal.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-input:
				if !ok {
					return
				}
				if err := enc.Encode(msg); err != nil {
					c.Logger.Warn("engine input write failed", "error", err)
					return
				}
			}
		}
	}()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.scanEvents(stdout, events)
		wg.Wait()
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			c.Logger.Warn("engine exited with error", "error", err)
		}
	}()
	return events, nil
}

// scanEvents decodes one Event per stdout line until EOF. Undecodable lines
// are logged and skipped; the engine's structured output shares no stream
// with diagnostics, so these should be rare.
func (c *CLI) scanEvents(r io.Reader, events chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			c.Logger.Warn("undecodable engine event", "line", truncate(line, 200), "error", err)
			continue
		}
		events <- ev
	}
	if err := scanner.Err(); err != nil {
		c.Logger.Warn("engine output scan failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
