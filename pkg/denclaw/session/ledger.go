// Package session implements the continuity ledger that lets a freshly
// spawned worker resume a conversation mid-stream. The host persists the
// (sessionId, lastTurnId) pair per group; the worker reports an updated pair
// after every completed turn. One JSON file per group, replaced atomically.
// No merging is needed because at most one worker per group is ever active.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session is the resume point for one group's conversation.
type Session struct {
	// SessionID is minted by the engine on the first turn.
	SessionID string `json:"session_id"`

	// GroupFolder identifies the owning group.
	GroupFolder string `json:"group_folder"`

	// LastTurnID marks the last fully processed turn. Once advanced it only
	// moves forward: a resumed worker starts after it, never replaying.
	LastTurnID int64 `json:"last_turn_id"`

	// ActiveModel is the engine model last reported for this session.
	ActiveModel string `json:"active_model,omitempty"`

	// UpdatedAt is when the ledger entry was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger persists sessions under a directory, one file per group.
type Ledger struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewLedger creates a ledger rooted at dir.
func NewLedger(dir string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session ledger dir: %w", err)
	}
	return &Ledger{dir: dir, logger: logger.With("component", "session-ledger")}, nil
}

// Get returns the persisted session for a group, or nil if none exists.
func (l *Ledger) Get(groupFolder string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path(groupFolder))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session for %s: %w", groupFolder, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session for %s: %w", groupFolder, err)
	}
	return &s, nil
}

// Put persists a session, replacing the previous entry atomically.
// LastTurnID is monotonic: an update that would move it backwards for the
// same session is ignored (a late event from a dying worker must not rewind
// the resume point).
func (l *Ledger) Put(groupFolder string, s Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.GroupFolder = groupFolder
	s.UpdatedAt = time.Now()

	if prev, err := l.getLocked(groupFolder); err == nil && prev != nil {
		if prev.SessionID == s.SessionID && s.LastTurnID < prev.LastTurnID {
			l.logger.Warn("ignoring backwards session update",
				"group", groupFolder,
				"have_turn", prev.LastTurnID,
				"got_turn", s.LastTurnID,
			)
			return nil
		}
	}

	data, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session for %s: %w", groupFolder, err)
	}
	return atomicWrite(l.path(groupFolder), data)
}

// Delete removes a group's ledger entry. Missing entries are not an error.
func (l *Ledger) Delete(groupFolder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path(groupFolder))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns every persisted session, for status reporting.
func (l *Ledger) List() ([]Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			l.logger.Warn("skipping corrupt ledger entry", "file", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (l *Ledger) getLocked(groupFolder string) (*Session, error) {
	data, err := os.ReadFile(l.path(groupFolder))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (l *Ledger) path(groupFolder string) string {
	return filepath.Join(l.dir, groupFolder+".json")
}

// atomicWrite replaces path with data via a temp file and rename, so a
// crash mid-write never leaves a truncated ledger entry.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
