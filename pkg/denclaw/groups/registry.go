// Package groups maintains the registry of chat groups known to the host.
// A group maps 1:1 to a chat and owns a mailbox, a session, and an
// authorization scope. Exactly one group is the privileged "main" group.
package groups

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a group does not exist.
var ErrNotFound = errors.New("group not found")

// Group is one registered chat group.
type Group struct {
	// Folder is the group's mailbox directory name and primary key.
	Folder string

	// Channel is the chat channel the group lives on.
	Channel string

	// ChatID is the chat identifier on that channel.
	ChatID string

	// IsMain marks the privileged group.
	IsMain bool

	RegisteredAt time.Time
}

// LookupFunc resolves a target identifier to its owning group folder. The
// matching rule (equality, prefix, external directory) is injected rather
// than assumed; Registry.Lookup provides the default equality rule.
type LookupFunc func(target string) (folder string, ok bool)

// Registry is the SQLite-backed group registry.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRegistry wraps an open database handle.
func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger.With("component", "groups")}
}

// Register adds or updates a group.
func (r *Registry) Register(g Group) error {
	if g.Folder == "" {
		return fmt.Errorf("group folder is required")
	}
	if g.ChatID == "" {
		return fmt.Errorf("group chat id is required")
	}
	if g.RegisteredAt.IsZero() {
		g.RegisteredAt = time.Now()
	}
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO groups (folder, channel, chat_id, is_main, registered_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.Folder, g.Channel, g.ChatID, boolToInt(g.IsMain),
		g.RegisteredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("register group %q: %w", g.Folder, err)
	}
	r.logger.Info("group registered", "folder", g.Folder, "chat_id", g.ChatID, "main", g.IsMain)
	return nil
}

// Get returns a group by folder name.
func (r *Registry) Get(folder string) (*Group, error) {
	row := r.db.QueryRow(`
		SELECT folder, channel, chat_id, is_main, registered_at
		FROM groups WHERE folder = ?`, folder)
	return scanGroup(row)
}

// List returns all registered groups.
func (r *Registry) List() ([]Group, error) {
	rows, err := r.db.Query(`
		SELECT folder, channel, chat_id, is_main, registered_at
		FROM groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// Lookup is the default LookupFunc: a target identifier belongs to the
// group whose chat_id equals it exactly.
func (r *Registry) Lookup(target string) (string, bool) {
	var folder string
	err := r.db.QueryRow(`SELECT folder FROM groups WHERE chat_id = ?`, target).Scan(&folder)
	if err != nil {
		return "", false
	}
	return folder, true
}

// Main returns the privileged group, if one is registered.
func (r *Registry) Main() (*Group, error) {
	row := r.db.QueryRow(`
		SELECT folder, channel, chat_id, is_main, registered_at
		FROM groups WHERE is_main = 1 LIMIT 1`)
	return scanGroup(row)
}

func scanGroup(row *sql.Row) (*Group, error) {
	var (
		g      Group
		isMain int
		regAt  string
	)
	err := row.Scan(&g.Folder, &g.Channel, &g.ChatID, &isMain, &regAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.IsMain = isMain != 0
	g.RegisteredAt, _ = time.Parse(time.RFC3339, regAt)
	return &g, nil
}

func scanGroupRows(rows *sql.Rows) (*Group, error) {
	var (
		g      Group
		isMain int
		regAt  string
	)
	if err := rows.Scan(&g.Folder, &g.Channel, &g.ChatID, &isMain, &regAt); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.IsMain = isMain != 0
	g.RegisteredAt, _ = time.Parse(time.RFC3339, regAt)
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
