// Package tasks implements scheduled tasks: cron, interval, and one-shot
// prompts that are injected into a group's conversation at minute-level
// granularity. Cron expressions are parsed with robfig/cron in a fixed
// timezone so a restarted host computes the same fire times.
package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes. Group tasks run in the group's ongoing session; isolated
// tasks get a fresh session so recurring output does not pollute the
// conversation history.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Task is one scheduled prompt. It belongs to exactly one group; only that
// group (or the privileged main group) may mutate it.
type Task struct {
	// ID is the unique task identifier.
	ID string

	// GroupFolder is the owning group.
	GroupFolder string

	// ChatID is the chat the task's output targets.
	ChatID string

	// Prompt is the text injected into the session when the task fires.
	Prompt string

	// ScheduleType is cron, interval or once.
	ScheduleType string

	// ScheduleValue is the cron expression, interval in milliseconds, or
	// absolute timestamp, per ScheduleType.
	ScheduleValue string

	// ContextMode is group or isolated.
	ContextMode string

	// NextRun is the next eligible execution time.
	NextRun time.Time

	// Status is active or paused.
	Status string

	CreatedAt time.Time
}

// cronParser accepts standard 5-field expressions plus descriptors
// (@daily, @hourly). Minute granularity suffices; no seconds field.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ComputeNextRun resolves a schedule to its next fire time after now.
// Cron expressions are evaluated in loc. Interval values are milliseconds
// from now. Once values are absolute timestamps (RFC3339 or Unix epoch
// milliseconds); a past timestamp is returned as-is, making the task
// eligible on the next scheduler tick.
func ComputeNextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return sched.Next(now.In(loc)), nil

	case ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(scheduleValue), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q: want positive milliseconds", scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case ScheduleOnce:
		v := strings.TrimSpace(scheduleValue)
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		if epochMs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(epochMs), nil
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want RFC3339 or epoch milliseconds", scheduleValue)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Validate checks the task's fields for storage.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.GroupFolder == "" {
		return fmt.Errorf("task group is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("task prompt is required")
	}
	switch t.ScheduleType {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
	default:
		return fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
	switch t.ContextMode {
	case ContextGroup, ContextIsolated:
	default:
		return fmt.Errorf("unknown context mode %q", t.ContextMode)
	}
	return nil
}
