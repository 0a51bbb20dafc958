// Package engine defines the call contract for the reasoning engine. The
// engine itself is an opaque external program; this package only describes
// how a call is opened, how input is pushed into it while it is outstanding,
// and what events it streams back.
package engine

import (
	"context"
)

// Kind identifies an engine event.
type Kind string

const (
	// KindInit is the first event of a call: reports the initialized model
	// and the session identifier (minted or resumed).
	KindInit Kind = "init"

	// KindText is streamed assistant text.
	KindText Kind = "text"

	// KindToolUse reports progress of a tool invocation.
	KindToolUse Kind = "tool_use"

	// KindResult marks a completed turn.
	KindResult Kind = "result"

	// KindCompaction announces that the engine is about to compact its
	// transcript; Summary carries a human-derived name for the history.
	KindCompaction Kind = "compaction"
)

// Event is one structured engine event.
type Event struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// TurnID is the monotonic turn counter within the session; set on
	// result events.
	TurnID int64 `json:"turn_id,omitempty"`

	// Text is assistant or tool output text.
	Text string `json:"text,omitempty"`

	// Tool and ToolID identify the invocation a tool_use event belongs to.
	Tool   string `json:"tool,omitempty"`
	ToolID string `json:"tool_id,omitempty"`

	// Summary is the compaction summary name, when the engine offers one.
	Summary string `json:"summary,omitempty"`

	// IsError marks a failed turn; Err carries the message.
	IsError bool   `json:"is_error,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Message is one piece of user input pushed into an open call.
type Message struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// Options configures one call.
type Options struct {
	// Model requests a specific model. Empty lets the engine choose.
	Model string

	// SessionID resumes an existing session when non-empty.
	SessionID string

	// ResumeAfterTurn is the last fully processed turn; the engine must
	// start after it, never replaying or skipping.
	ResumeAfterTurn int64

	// SystemPrompt is prepended engine-side when non-empty.
	SystemPrompt string

	// WorkDir is the engine process working directory.
	WorkDir string

	// Env is the engine process environment.
	Env []string

	// StripEnv lists variable names the engine must remove from the
	// environment of any shell-executing tool call, so sandboxed commands
	// never observe the credentials the call itself needed.
	StripEnv []string
}

// Client opens calls into the reasoning engine.
type Client interface {
	// Query opens one call seeded by the messages pushed into input. The
	// input channel is a push-based, never-ending stream: the call is not
	// finished just because input is momentarily empty. Closing input is
	// the explicit "no more input" signal that lets the call unwind.
	// The returned channel closes when the call has fully ended.
	Query(ctx context.Context, opts Options, input <-chan Message) (<-chan Event, error)
}
