package router

import (
	"context"
	"strings"
	"testing"

	"github.com/denclaw/denclaw/pkg/denclaw/sandbox"
)

func newTestRestarter(t *testing.T, cfg RestartConfig) (*Restarter, *int) {
	t.Helper()
	rs := NewRestarter(sandbox.NewRunner(nil), cfg, "denclaw", nil)
	exitCode := -1
	rs.exit = func(code int) { exitCode = code }
	return rs, &exitCode
}

func TestRestartSelfAfterSuccessfulValidation(t *testing.T) {
	t.Parallel()
	rs, exitCode := newTestRestarter(t, RestartConfig{
		ValidateCommand: []string{"true"},
	})

	var replies []string
	rs.Restart(context.Background(), "denclaw", func(text string) {
		replies = append(replies, text)
	})

	if *exitCode != 0 {
		t.Fatalf("exit code = %d, want 0", *exitCode)
	}
	if len(replies) != 1 || !strings.Contains(replies[0], "restarting") {
		t.Errorf("replies = %q", replies)
	}
}

func TestFailedValidationNeverExits(t *testing.T) {
	t.Parallel()
	rs, exitCode := newTestRestarter(t, RestartConfig{
		ValidateCommand: []string{"sh", "-c", "echo 'pkg/foo: syntax error' >&2; exit 1"},
	})

	var replies []string
	rs.Restart(context.Background(), "", func(text string) {
		replies = append(replies, text)
	})

	if *exitCode != -1 {
		t.Fatal("process exited despite failed validation")
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %q, want one failure report", replies)
	}
	if !strings.Contains(replies[0], "validation failed") || !strings.Contains(replies[0], "syntax error") {
		t.Errorf("failure report missing diagnostics: %q", replies[0])
	}
}

func TestRestartOtherTargetRunsDeployAndSignal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rs, exitCode := newTestRestarter(t, RestartConfig{
		ValidateCommand: []string{"true"},
		DeployCommand:   []string{"sh", "-c", `echo "deploy $0" >> log.txt`},
		RestartCommand:  []string{"sh", "-c", `echo "signal $0" >> log.txt`},
		Dir:             dir,
	})

	var replies []string
	rs.Restart(context.Background(), "otherbot", func(text string) {
		replies = append(replies, text)
	})

	if *exitCode != -1 {
		t.Fatal("restarting another target exited this process")
	}
	if len(replies) != 1 || !strings.Contains(replies[0], "restarted otherbot") {
		t.Errorf("replies = %q", replies)
	}
}

func TestRestartAbortsWhenDeployFails(t *testing.T) {
	t.Parallel()
	signalled := t.TempDir()
	rs, _ := newTestRestarter(t, RestartConfig{
		ValidateCommand: []string{"true"},
		DeployCommand:   []string{"false"},
		RestartCommand:  []string{"sh", "-c", "touch " + signalled + "/signalled"},
	})

	var replies []string
	rs.Restart(context.Background(), "otherbot", func(text string) {
		replies = append(replies, text)
	})

	if len(replies) != 1 || !strings.Contains(replies[0], "deploy failed") {
		t.Fatalf("replies = %q, want a deploy failure", replies)
	}
}

func TestRebuildRequiresConfiguredCommand(t *testing.T) {
	t.Parallel()
	rs, _ := newTestRestarter(t, RestartConfig{})

	var replies []string
	rs.Rebuild(context.Background(), "", func(text string) {
		replies = append(replies, text)
	})

	if len(replies) != 1 || !strings.Contains(replies[0], "no rebuild command") {
		t.Fatalf("replies = %q", replies)
	}
}

func TestDiagnosticsTruncation(t *testing.T) {
	t.Parallel()

	res := &sandbox.Result{Stderr: strings.Repeat("x", replyLimit+100)}
	out := diagnostics(res)
	if len(out) > replyLimit+len("\n... [truncated]") {
		t.Errorf("diagnostics not truncated: %d bytes", len(out))
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Error("missing truncation marker")
	}

	if diagnostics(&sandbox.Result{}) != "(no output)" {
		t.Error("empty output not reported")
	}
}
