package worker

import (
	"strings"
	"time"
)

// Progress suppression windows. Identical normalized text repeated within
// dedupeWindow is dropped; heartbeats for the same tool invocation are
// limited to one per toolHeartbeat.
const (
	dedupeWindow  = 5 * time.Second
	toolHeartbeat = 15 * time.Second
)

// progressFilter de-duplicates streamed progress so the chat is not flooded
// with repeated engine chatter.
type progressFilter struct {
	lastText map[string]time.Time
	lastTool map[string]time.Time
	now      func() time.Time
}

func newProgressFilter() *progressFilter {
	return &progressFilter{
		lastText: make(map[string]time.Time),
		lastTool: make(map[string]time.Time),
		now:      time.Now,
	}
}

// allowText reports whether a progress text should be emitted. Identical
// normalized text seen within the dedupe window is suppressed.
func (f *progressFilter) allowText(text string) bool {
	key := normalizeText(text)
	if key == "" {
		return false
	}
	now := f.now()
	if last, seen := f.lastText[key]; seen && now.Sub(last) < dedupeWindow {
		return false
	}
	f.lastText[key] = now
	f.prune(now)
	return true
}

// allowTool reports whether a heartbeat for a tool invocation should be
// emitted, throttled per invocation ID.
func (f *progressFilter) allowTool(toolID string) bool {
	if toolID == "" {
		return true
	}
	now := f.now()
	if last, seen := f.lastTool[toolID]; seen && now.Sub(last) < toolHeartbeat {
		return false
	}
	f.lastTool[toolID] = now
	return true
}

// prune drops expired entries so a long turn does not grow the maps
// unboundedly.
func (f *progressFilter) prune(now time.Time) {
	if len(f.lastText) < 1024 {
		return
	}
	for k, t := range f.lastText {
		if now.Sub(t) >= dedupeWindow {
			delete(f.lastText, k)
		}
	}
	for k, t := range f.lastTool {
		if now.Sub(t) >= toolHeartbeat {
			delete(f.lastTool, k)
		}
	}
}

// normalizeText collapses whitespace and case so trivially different
// renderings of the same message compare equal.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
