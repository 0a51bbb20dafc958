package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/engine"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/wire"
)

// fakeEngine scripts engine behavior per call. The script receives the call
// index (0-based), the options, the input stream and the event sink.
type fakeEngine struct {
	script func(call int, opts engine.Options, input <-chan engine.Message, events chan<- engine.Event)

	mu    sync.Mutex
	calls int
	opts  []engine.Options
}

func (f *fakeEngine) Query(_ context.Context, opts engine.Options, input <-chan engine.Message) (<-chan engine.Event, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	events := make(chan engine.Event, 64)
	go func() {
		defer close(events)
		f.script(call, opts, input, events)
	}()
	return events, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Prompt:         "hello",
		GroupFolder:    "family",
		ChatID:         "chat-1",
		InputDir:       t.TempDir(),
		PollIntervalMs: 10,
	}
}

func writeFollowUp(t *testing.T, dir, text string) {
	t.Helper()
	data, _ := json.Marshal(FollowUp{Text: text, Sender: "user"})
	name := fmt.Sprintf("%020d-fu.json", time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// syncBuffer is a bytes.Buffer safe to snapshot while the loop writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func scanEvents(t *testing.T, buf *syncBuffer) []wire.Event {
	t.Helper()
	var events []wire.Event
	if err := wire.Scan(bytes.NewReader(buf.snapshot()), func(ev wire.Event) {
		events = append(events, ev)
	}, nil); err != nil {
		t.Fatalf("scanning output: %v", err)
	}
	return events
}

func inputDirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			return false
		}
	}
	return true
}

func TestFollowUpsJoinTheActiveTurn(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	received := make(chan engine.Message, 16)
	fake := &fakeEngine{
		script: func(_ int, _ engine.Options, input <-chan engine.Message, events chan<- engine.Event) {
			events <- engine.Event{Kind: engine.KindInit, SessionID: "s-1", Model: "claude-opus-4-5"}
			n := 0
			for msg := range input {
				received <- msg
				n++
			}
			events <- engine.Event{Kind: engine.KindResult, TurnID: 1, Text: fmt.Sprintf("handled %d messages", n)}
		},
	}

	var out syncBuffer
	loop := New(cfg, fake, &out, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	// The seed arrives first, then two follow-ups are injected into the
	// same in-flight turn without spawning a second call.
	waitFor(t, "seed message", func() bool { return len(received) >= 1 })
	writeFollowUp(t, cfg.InputDir, "and this")
	writeFollowUp(t, cfg.InputDir, "this too")
	waitFor(t, "follow-ups drained", func() bool { return inputDirEmpty(cfg.InputDir) })
	waitFor(t, "follow-ups delivered", func() bool { return len(received) >= 3 })

	if err := mailbox.DropSentinel(cfg.InputDir, mailbox.ShutdownSentinel); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not shut down on sentinel")
	}

	if fake.callCount() != 1 {
		t.Errorf("engine called %d times, want 1 (no second call for follow-ups)", fake.callCount())
	}

	events := scanEvents(t, &out)
	var sawResult bool
	for _, ev := range events {
		switch ev.Type {
		case wire.TypeResult:
			sawResult = true
			if ev.Result == nil || *ev.Result != "handled 3 messages" {
				t.Errorf("result = %+v, want combined-input result", ev)
			}
		case wire.TypeSession:
			t.Error("session event emitted after shutdown sentinel")
		}
	}
	if !sawResult {
		t.Error("no framed result event on the output stream")
	}
}

func TestIdleResumesIntoNextTurnAndEmitsSessionUpdates(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Provider = "anthropic"
	cfg.BudgetPath = filepath.Join(t.TempDir(), "budget.json")

	fake := &fakeEngine{
		script: func(call int, _ engine.Options, input <-chan engine.Message, events chan<- engine.Event) {
			events <- engine.Event{Kind: engine.KindInit, SessionID: "s-1", Model: "claude-opus-4-5"}
			msg := <-input
			events <- engine.Event{
				Kind:   engine.KindResult,
				TurnID: int64(call + 1),
				Text:   "reply to " + msg.Text,
			}
			// The engine ends the call here; the loop should go idle and
			// open a new call for the next item.
		},
	}

	var out syncBuffer
	loop := New(cfg, fake, &out, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	waitFor(t, "first call", func() bool { return fake.callCount() >= 1 })
	waitFor(t, "first session event", func() bool {
		var n int
		for _, ev := range scanEvents(t, &out) {
			if ev.Type == wire.TypeSession {
				n++
			}
		}
		return n >= 1
	})

	writeFollowUp(t, cfg.InputDir, "second round")
	waitFor(t, "second call", func() bool { return fake.callCount() >= 2 })
	waitFor(t, "second session event", func() bool {
		var n int
		for _, ev := range scanEvents(t, &out) {
			if ev.Type == wire.TypeSession {
				n++
			}
		}
		return n >= 2
	})

	mailbox.DropSentinel(cfg.InputDir, mailbox.ShutdownSentinel)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not shut down while idle")
	}

	events := scanEvents(t, &out)
	var results, sessions int
	for _, ev := range events {
		switch ev.Type {
		case wire.TypeResult:
			results++
			if ev.SessionID != "s-1" {
				t.Errorf("result carries session %q, want s-1", ev.SessionID)
			}
		case wire.TypeSession:
			sessions++
		}
	}
	if results != 2 {
		t.Errorf("results = %d, want 2", results)
	}
	if sessions != 2 {
		t.Errorf("session updates = %d, want 2 (one per completed call, none on shutdown)", sessions)
	}

	// The second call resumed the session minted by the first.
	fake.mu.Lock()
	secondOpts := fake.opts[1]
	fake.mu.Unlock()
	if secondOpts.SessionID != "s-1" {
		t.Errorf("second call SessionID = %q, want s-1", secondOpts.SessionID)
	}
	if secondOpts.ResumeAfterTurn != 1 {
		t.Errorf("second call ResumeAfterTurn = %d, want 1", secondOpts.ResumeAfterTurn)
	}

	// Usage landed in the budget ledger.
	if data, err := os.ReadFile(cfg.BudgetPath); err != nil {
		t.Errorf("budget ledger not written: %v", err)
	} else if !strings.Contains(string(data), "anthropic:claude-opus-4-5") {
		t.Errorf("budget ledger missing provider:model key: %s", data)
	}
}

func TestResumedSessionNeverReplaysDeliveredTurns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.SessionID = "s-1"
	cfg.LastTurnID = 5

	fake := &fakeEngine{
		script: func(_ int, _ engine.Options, input <-chan engine.Message, events chan<- engine.Event) {
			events <- engine.Event{Kind: engine.KindInit, SessionID: "s-1", Model: "claude-opus-4-5"}
			<-input
			// A replaying engine re-sends a turn from before the resume
			// point ahead of the genuinely new one.
			events <- engine.Event{Kind: engine.KindResult, TurnID: 3, Text: "already delivered"}
			events <- engine.Event{Kind: engine.KindResult, TurnID: 6, Text: "fresh reply"}
			for range input {
			}
		},
	}

	var out syncBuffer
	loop := New(cfg, fake, &out, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	waitFor(t, "post-resume result", func() bool {
		for _, ev := range scanEvents(t, &out) {
			if ev.Type == wire.TypeResult && ev.TurnID == 6 {
				return true
			}
		}
		return false
	})

	if err := mailbox.DropSentinel(cfg.InputDir, mailbox.ShutdownSentinel); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not shut down on sentinel")
	}

	var results []wire.Event
	for _, ev := range scanEvents(t, &out) {
		if ev.Type == wire.TypeResult {
			results = append(results, ev)
		}
	}
	if len(results) != 1 {
		t.Fatalf("framed %d results, want only the post-resume turn: %+v", len(results), results)
	}
	if results[0].TurnID != 6 || results[0].Result == nil || *results[0].Result != "fresh reply" {
		t.Errorf("result = %+v, want turn 6 only", results[0])
	}
}

func TestMainSessionModelMismatchIsFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IsMain = true
	cfg.Model = "opus"

	fake := &fakeEngine{
		script: func(_ int, _ engine.Options, input <-chan engine.Message, events chan<- engine.Event) {
			events <- engine.Event{Kind: engine.KindInit, SessionID: "s-1", Model: "claude-haiku-3-5"}
			for range input {
			}
		},
	}

	var out syncBuffer
	loop := New(cfg, fake, &out, nil)

	err := loop.Run(context.Background())
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("Run err = %v, want ErrModelMismatch", err)
	}

	events := scanEvents(t, &out)
	var sawError bool
	for _, ev := range events {
		if ev.Type == wire.TypeSession {
			t.Error("session event emitted for a fatally mismatched session")
		}
		if ev.Type == wire.TypeResult && ev.Status == wire.StatusError {
			sawError = true
			if !strings.Contains(ev.Error, "opus") {
				t.Errorf("error event does not name the requested model: %q", ev.Error)
			}
		}
	}
	if !sawError {
		t.Error("no framed error result for the model mismatch")
	}
}

func TestModelMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		requested string
		reported  string
		want      bool
	}{
		{"opus", "claude-opus-4-5-20251101", true},
		{"opus", "claude-opus-4-5", true},
		{"claude-opus-4-5", "claude-opus-4-5-20251101", true},
		{"Opus", "CLAUDE-OPUS-4-5", true},
		{"", "anything", true},
		{"opus", "claude-haiku-3-5", false},
		{"sonnet", "claude-opus-4-5", false},
		{"opus", "", false},
	}
	for _, tt := range tests {
		if got := ModelMatches(tt.requested, tt.reported); got != tt.want {
			t.Errorf("ModelMatches(%q, %q) = %v, want %v", tt.requested, tt.reported, got, tt.want)
		}
	}
}

func TestReadConfigRejectsIncompleteHandshake(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"complete", `{"prompt":"hi","group_folder":"g","chat_id":"c","input_dir":"/tmp/x"}`, true},
		{"missing group", `{"prompt":"hi","input_dir":"/tmp/x"}`, false},
		{"missing input dir", `{"prompt":"hi","group_folder":"g"}`, false},
		{"not json", `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(tt.input))
			if (err == nil) != tt.ok {
				t.Errorf("ReadConfig(%q) err = %v, want ok=%v", tt.input, err, tt.ok)
			}
		})
	}
}

func TestMalformedFollowUpIsSetAsideAndDrainContinues(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	if err := os.WriteFile(filepath.Join(cfg.InputDir, "00001-bad.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeFollowUp(t, cfg.InputDir, "good one")

	loop := New(cfg, &fakeEngine{}, &syncBuffer{}, nil)
	got := loop.drainInputDir()

	if len(got) != 1 || got[0].Text != "good one" {
		t.Errorf("drained %+v, want just the good follow-up", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.InputDir, "00001-bad.json.malformed")); err != nil {
		t.Errorf("malformed follow-up not set aside: %v", err)
	}
}
