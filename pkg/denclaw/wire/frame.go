// Package wire defines the framed event protocol spoken over a worker's
// stdout. The stream is shared with free-form diagnostic text (engine logs,
// panics, library chatter), so every structured event is wrapped in explicit
// begin/end marker lines; the markers are the only reliable way for the host
// to extract JSON from the stream.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Marker lines. They must never appear in diagnostic output on a line of
// their own, which the unusual prefix makes effectively certain.
const (
	BeginMarker = "---DENCLAW_EVENT_BEGIN---"
	EndMarker   = "---DENCLAW_EVENT_END---"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event types.
const (
	TypeResult   = "result"   // a completed engine turn
	TypeProgress = "progress" // streamed assistant/tool text
	TypeSession  = "session"  // session continuity update
)

// Event is one structured event on the worker output stream.
type Event struct {
	// Type discriminates the event.
	Type string `json:"type"`

	// Status is success or error (result events).
	Status string `json:"status,omitempty"`

	// Result is the final text of a turn. Nullable: an error result has none.
	Result *string `json:"result,omitempty"`

	// SessionID is set when the engine minted or changed the session.
	SessionID string `json:"session_id,omitempty"`

	// TurnID is the identifier of the last fully processed turn.
	TurnID int64 `json:"turn_id,omitempty"`

	// Model is the engine's reported model, when known.
	Model string `json:"model,omitempty"`

	// Error carries the failure message for error events.
	Error string `json:"error,omitempty"`

	// Text is streamed progress text.
	Text string `json:"text,omitempty"`

	// Tool names the tool a progress heartbeat belongs to.
	Tool string `json:"tool,omitempty"`

	// ChatID is the chat the event should be relayed to.
	ChatID string `json:"chat_id,omitempty"`
}

// Writer emits framed events onto a shared output stream. Safe for
// concurrent use; a frame is always written contiguously.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for framed event emission.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Emit writes one framed event.
func (fw *Writer) Emit(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fmt.Fprintf(fw.w, "%s\n%s\n%s\n", BeginMarker, data, EndMarker)
	return err
}

// Scan reads a mixed stream line by line, invoking onEvent for each framed
// event and onLog for every line outside a frame. Lines inside a frame that
// fail to parse are reported through onLog; a bad frame never aborts the
// scan. Scan returns when the stream ends.
func Scan(r io.Reader, onEvent func(Event), onLog func(line string)) error {
	if onLog == nil {
		onLog = func(string) {}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		inFrame bool
		frame   strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == BeginMarker:
			inFrame = true
			frame.Reset()
		case line == EndMarker:
			if !inFrame {
				onLog(line)
				continue
			}
			inFrame = false
			var ev Event
			if err := json.Unmarshal([]byte(frame.String()), &ev); err != nil {
				onLog(fmt.Sprintf("unparseable event frame: %v", err))
				continue
			}
			onEvent(ev)
		case inFrame:
			frame.WriteString(line)
		default:
			onLog(line)
		}
	}
	return scanner.Err()
}
