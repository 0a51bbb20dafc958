package tasks

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// Store persists tasks in the central denclaw.db "tasks" table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts or updates a task.
func (s *Store) Save(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, group_folder, chat_id, prompt, schedule_type, schedule_value,
			 context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode,
		t.NextRun.UTC().Format(time.RFC3339),
		t.Status,
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save task %q: %w", t.ID, err)
	}
	return nil
}

// Get returns a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(selectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Delete removes a task. Deleting a missing task returns ErrNotFound.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus pauses or resumes a task.
func (s *Store) SetStatus(id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set status of task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRun advances a task's next fire time.
func (s *Store) SetNextRun(id string, next time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET next_run = ? WHERE id = ?`,
		next.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set next_run of task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns active tasks whose NextRun is at or before now.
func (s *Store) Due(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(selectColumns+`
		FROM tasks WHERE status = ? AND next_run <= ?
		ORDER BY next_run`,
		StatusActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByGroup returns all tasks owned by a group.
func (s *Store) ListByGroup(group string) ([]Task, error) {
	rows, err := s.db.Query(selectColumns+`
		FROM tasks WHERE group_folder = ? ORDER BY next_run`, group)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %q: %w", group, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// List returns all tasks.
func (s *Store) List() ([]Task, error) {
	rows, err := s.db.Query(selectColumns + ` FROM tasks ORDER BY next_run`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

const selectColumns = `
	SELECT id, group_folder, chat_id, prompt, schedule_type, schedule_value,
	       context_mode, next_run, status, created_at`

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(scan func(...any) error) (*Task, error) {
	var (
		t       Task
		nextRun string
		created string
	)
	if err := scan(
		&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&nextRun, &t.Status, &created,
	); err != nil {
		return nil, err
	}
	t.NextRun, _ = time.Parse(time.RFC3339, nextRun)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &t, nil
}
