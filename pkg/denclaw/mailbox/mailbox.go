// Package mailbox implements the filesystem mailbox used to hand items
// between the host router and group workers. Each pending item is one JSON
// file in a per-group, per-kind directory; a reader claims an item by
// deleting its file immediately after a successful parse, which gives
// at-most-once delivery without any locking. Single-reader-per-directory is
// guaranteed by process topology, not by this package.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item kinds. The kind selects the subdirectory an item lives in and tells
// the consumer how to interpret the payload.
const (
	KindMessage = "messages"
	KindTask    = "tasks"
	KindInbox   = "inbox"
)

// errorsDir is where malformed files are quarantined, under the mailbox root.
const errorsDir = "errors"

// Item is one pending mailbox entry. SourceGroup is never read from the
// file contents: it is always derived from the directory the file was found
// in, because the directory path is the only unforgeable identity signal.
type Item struct {
	// ID is the item identifier; for drained items it equals the filename.
	ID string `json:"id,omitempty"`

	// SourceGroup is the group whose directory the item was read from.
	// Set by DrainAll, ignored on write.
	SourceGroup string `json:"-"`

	// Target is the declared destination (chat identifier, task target).
	Target string `json:"target,omitempty"`

	// Kind describes the payload: "message", "file" or "task".
	Kind string `json:"kind"`

	// Payload is the kind-specific JSON body.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the writer created the item.
	CreatedAt time.Time `json:"created_at"`
}

// Store is a mailbox rooted at a single directory. It is safe for use by a
// single reader and any number of writers per (group, kind) directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a mailbox store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger.With("component", "mailbox")}
}

// Root returns the mailbox root directory.
func (s *Store) Root() string { return s.root }

// GroupDir returns the directory holding one group's mailboxes.
func (s *Store) GroupDir(group string) string {
	return filepath.Join(s.root, group)
}

// KindDir returns the directory for one (group, kind) mailbox.
func (s *Store) KindDir(group, kind string) string {
	return filepath.Join(s.root, group, kind)
}

// Write creates a uniquely named item file in the (group, kind) mailbox.
// The filename is timestamp-prefixed so a sorted directory listing yields
// approximate FIFO order. Returns the filename.
func (s *Store) Write(group, kind string, item *Item) (string, error) {
	dir := s.KindDir(group, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating mailbox dir: %w", err)
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	name := itemFilename(item.CreatedAt)
	if item.ID == "" {
		item.ID = name
	}

	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encoding mailbox item: %w", err)
	}

	// Consumption is delete-based, not rename-based, so a plain create is
	// enough: a half-written file fails to parse and lands in quarantine.
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing mailbox item: %w", err)
	}
	return name, nil
}

// DrainAll lists, parses and deletes every item in the (group, kind)
// mailbox, returning the parsed items in filename order. Files that fail to
// parse are moved to the quarantine directory instead of deleted; one bad
// file never stops the drain. A missing mailbox directory is not an error,
// it simply yields no items.
func (s *Store) DrainAll(group, kind string) ([]Item, error) {
	dir := s.KindDir(group, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing mailbox %s/%s: %w", group, kind, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var items []Item
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("unreadable mailbox item", "group", group, "file", name, "error", err)
			continue
		}

		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			s.quarantine(group, name, path, err)
			continue
		}

		// Claim the item before acting on it.
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to claim mailbox item", "group", group, "file", name, "error", err)
			continue
		}

		item.ID = name
		item.SourceGroup = group
		items = append(items, item)
	}
	return items, nil
}

// Groups lists the group directories currently present under the root.
// The quarantine directory is not a group.
func (s *Store) Groups() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing mailbox root: %w", err)
	}
	var groups []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != errorsDir {
			groups = append(groups, e.Name())
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// ListQuarantined returns the filenames currently in quarantine.
func (s *Store) ListQuarantined() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, errorsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// quarantine relocates a malformed item under errors/{group}-{filename} so
// it is never re-read and never silently lost.
func (s *Store) quarantine(group, name, path string, parseErr error) {
	dir := filepath.Join(s.root, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("failed to create quarantine dir", "error", err)
		return
	}
	dest := filepath.Join(dir, group+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("failed to quarantine mailbox item",
			"group", group, "file", name, "error", err)
		return
	}
	s.logger.Warn("quarantined malformed mailbox item",
		"group", group, "file", name, "parse_error", parseErr)
}

// itemFilename builds a unique, time-sortable filename. The nanosecond
// timestamp gives ordering; the UUID suffix breaks collisions between
// writers in the same nanosecond.
func itemFilename(t time.Time) string {
	return fmt.Sprintf("%020d-%s.json", t.UnixNano(), uuid.NewString()[:8])
}
