// Package sandbox runs helper subprocesses with bounded timeouts and a
// filtered environment. The host uses it for privileged operations
// (validation builds, redeploys, restart signals); the worker uses its
// environment filtering to keep credentials away from shell-executing tools.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a subprocess when the request does not set one. A
// hung subprocess must never stall the router's scan loop indefinitely.
const DefaultTimeout = 2 * time.Minute

// DefaultMaxOutputBytes caps captured stdout/stderr.
const DefaultMaxOutputBytes = 64 * 1024

// credentialVars are environment variable names that must never leak into
// sandboxed subprocesses. Matching is by exact name or suffix.
var credentialVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"OPENROUTER_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
}

// credentialSuffixes catch provider-specific names following the usual
// conventions (FOO_API_KEY, FOO_TOKEN, FOO_SECRET).
var credentialSuffixes = []string{"_API_KEY", "_TOKEN", "_SECRET", "_PASSWORD"}

// Request describes one subprocess execution.
type Request struct {
	// Command and Args form the argv. No shell interpretation happens here;
	// callers needing a shell pass it explicitly.
	Command string
	Args    []string

	// Dir is the working directory.
	Dir string

	// Env is the subprocess environment. Filtered through StripCredentials
	// unless KeepCredentials is set.
	Env             []string
	KeepCredentials bool

	// Timeout bounds the execution; zero means DefaultTimeout.
	Timeout time.Duration

	// MaxOutputBytes caps captured output; zero means DefaultMaxOutputBytes.
	MaxOutputBytes int
}

// Result is the outcome of a subprocess execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// TimedOut is set when the timeout expired. A timeout is an operation
	// failure, not a crash.
	TimedOut bool
}

// Runner executes requests.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a subprocess runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "sandbox")}
}

// Run executes the request and returns its result. A non-zero exit is
// reported in the result, not as an error; errors mean the process could
// not be run at all.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOut := req.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	env := req.Env
	if !req.KeepCredentials {
		env = StripCredentials(env)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   truncateBytes(stdout.Bytes(), maxOut),
		Stderr:   truncateBytes(stderr.Bytes(), maxOut),
		Duration: time.Since(start),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Warn("subprocess timed out",
			"command", req.Command, "timeout", timeout)
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("running %s: %w", req.Command, err)
	}
	return result, nil
}

// StripCredentials removes known credential variables from an environment
// list so sandboxed commands never observe secrets the caller needed for
// its own authentication.
func StripCredentials(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && isCredentialVar(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// StripNames removes the given variable names (in addition to the known
// credential set) from an environment list.
func StripNames(env []string, names []string) []string {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && (drop[name] || isCredentialVar(name)) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isCredentialVar(name string) bool {
	for _, v := range credentialVars {
		if name == v {
			return true
		}
	}
	for _, suffix := range credentialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func truncateBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "\n... [output truncated]"
}
