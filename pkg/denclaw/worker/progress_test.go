package worker

import (
	"testing"
	"time"
)

func newClockedFilter(start time.Time) (*progressFilter, *time.Time) {
	now := start
	f := newProgressFilter()
	f.now = func() time.Time { return now }
	return f, &now
}

func TestAllowTextDedupesWithinWindow(t *testing.T) {
	t.Parallel()
	f, now := newClockedFilter(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if !f.allowText("Reading the calendar...") {
		t.Fatal("first emission suppressed")
	}
	// Same text, trivially re-rendered, within the window.
	*now = now.Add(2 * time.Second)
	if f.allowText("  reading   THE calendar...  ") {
		t.Error("duplicate within window not suppressed")
	}
	// Past the window it may repeat.
	*now = now.Add(4 * time.Second)
	if !f.allowText("Reading the calendar...") {
		t.Error("repeat after window suppressed")
	}
}

func TestAllowTextDistinctTextsPass(t *testing.T) {
	t.Parallel()
	f, _ := newClockedFilter(time.Now())

	if !f.allowText("step one") || !f.allowText("step two") {
		t.Error("distinct texts were suppressed")
	}
	if f.allowText("") {
		t.Error("empty text passed the filter")
	}
}

func TestAllowToolThrottlesHeartbeats(t *testing.T) {
	t.Parallel()
	f, now := newClockedFilter(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if !f.allowTool("tool-1") {
		t.Fatal("first heartbeat suppressed")
	}
	*now = now.Add(10 * time.Second)
	if f.allowTool("tool-1") {
		t.Error("heartbeat within 15s not throttled")
	}
	// A different invocation is independent.
	if !f.allowTool("tool-2") {
		t.Error("unrelated invocation throttled")
	}
	*now = now.Add(6 * time.Second)
	if !f.allowTool("tool-1") {
		t.Error("heartbeat after 15s suppressed")
	}
}
