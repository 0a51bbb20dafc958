package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/denclaw/denclaw/pkg/denclaw/groups"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
)

// Task command types. Any group may issue these for its own tasks.
const (
	CmdSchedule = "schedule"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdCancel   = "cancel"
)

// Privileged operation types. Only the main group may issue these; attempts
// by any other group are logged and ignored with nothing surfaced back.
const (
	CmdRegisterGroup   = "registerGroup"
	CmdRefreshMetadata = "refreshMetadata"
	CmdSetMode         = "setMode"
	CmdRestart         = "restart"
	CmdRebuild         = "rebuild"
	CmdStatusQuery     = "statusQuery"
)

// command is the body of a KindTask mailbox item. One shape covers task
// commands and privileged operations; Type selects which fields matter.
type command struct {
	Type string `json:"type"`

	// Task command fields.
	TaskID           string `json:"taskId,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	ScheduleType     string `json:"scheduleType,omitempty"`
	ScheduleValue    string `json:"scheduleValue,omitempty"`
	ContextMode      string `json:"contextMode,omitempty"`
	TargetIdentifier string `json:"targetIdentifier,omitempty"`

	// Privileged operation fields.
	Bot         string `json:"bot,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Model       string `json:"model,omitempty"`
	ReplyTarget string `json:"replyTarget,omitempty"`

	// Group registration fields.
	Folder  string `json:"folder,omitempty"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	IsMain  bool   `json:"isMain,omitempty"`
}

// handleCommand parses and dispatches one command item.
func (r *Router) handleCommand(ctx context.Context, item mailbox.Item, isMain bool) {
	var cmd command
	if err := json.Unmarshal(item.Payload, &cmd); err != nil {
		r.logger.Warn("malformed command payload",
			"group", item.SourceGroup, "item", item.ID, "error", err)
		return
	}

	switch cmd.Type {
	case CmdSchedule:
		r.scheduleTask(item.SourceGroup, isMain, cmd)
	case CmdPause:
		r.setTaskStatus(item.SourceGroup, isMain, cmd.TaskID, tasks.StatusPaused)
	case CmdResume:
		r.setTaskStatus(item.SourceGroup, isMain, cmd.TaskID, tasks.StatusActive)
	case CmdCancel:
		r.cancelTask(item.SourceGroup, isMain, cmd.TaskID)

	case CmdRegisterGroup, CmdRefreshMetadata, CmdSetMode, CmdRestart, CmdRebuild, CmdStatusQuery:
		if !isMain {
			r.logger.Warn("unauthorized privileged operation dropped",
				"group", item.SourceGroup, "type", cmd.Type)
			return
		}
		r.handlePrivileged(ctx, item.SourceGroup, cmd)

	default:
		r.logger.Warn("unknown command type",
			"group", item.SourceGroup, "type", cmd.Type)
	}
}

// scheduleTask creates a new scheduled task. The target must resolve to a
// registered group, and the schedule must parse; either failure aborts the
// command with a warning and no task is created.
func (r *Router) scheduleTask(source string, isMain bool, cmd command) {
	target := cmd.TargetIdentifier
	owner := source
	if target != "" {
		folder, ok := r.lookup(target)
		if !ok {
			r.logger.Warn("schedule for unknown target",
				"group", source, "target", target)
			return
		}
		owner = folder
	}
	if !isMain && owner != source {
		r.logger.Warn("unauthorized schedule dropped",
			"group", source, "target", target)
		return
	}

	nextRun, err := tasks.ComputeNextRun(cmd.ScheduleType, cmd.ScheduleValue, time.Now(), r.loc)
	if err != nil {
		r.logger.Warn("schedule rejected", "group", source, "error", err)
		return
	}

	chatID := target
	if chatID == "" {
		if g, err := r.deps.Groups.Get(owner); err == nil {
			chatID = g.ChatID
		}
	}
	contextMode := cmd.ContextMode
	if contextMode == "" {
		contextMode = tasks.ContextGroup
	}

	task := &tasks.Task{
		ID:            uuid.NewString(),
		GroupFolder:   owner,
		ChatID:        chatID,
		Prompt:        cmd.Prompt,
		ScheduleType:  cmd.ScheduleType,
		ScheduleValue: cmd.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
		Status:        tasks.StatusActive,
	}
	if err := r.deps.Tasks.Save(task); err != nil {
		r.logger.Warn("schedule rejected", "group", source, "error", err)
		return
	}
	r.logger.Info("task scheduled",
		"task", task.ID, "group", owner, "type", cmd.ScheduleType, "next_run", nextRun)
}

// setTaskStatus pauses or resumes a task owned by the caller.
func (r *Router) setTaskStatus(source string, isMain bool, taskID, status string) {
	task, ok := r.ownedTask(source, isMain, taskID)
	if !ok {
		return
	}
	if err := r.deps.Tasks.SetStatus(task.ID, status); err != nil {
		r.logger.Warn("task status change failed", "task", taskID, "error", err)
		return
	}
	r.logger.Info("task status changed", "task", taskID, "status", status)
}

// cancelTask deletes a task owned by the caller.
func (r *Router) cancelTask(source string, isMain bool, taskID string) {
	task, ok := r.ownedTask(source, isMain, taskID)
	if !ok {
		return
	}
	if err := r.deps.Tasks.Delete(task.ID); err != nil {
		r.logger.Warn("task cancel failed", "task", taskID, "error", err)
		return
	}
	r.logger.Info("task cancelled", "task", taskID)
}

// ownedTask loads a task and checks the caller may mutate it. Unauthorized
// and missing tasks alike are logged and dropped.
func (r *Router) ownedTask(source string, isMain bool, taskID string) (*tasks.Task, bool) {
	if taskID == "" {
		r.logger.Warn("task command without task id", "group", source)
		return nil, false
	}
	task, err := r.deps.Tasks.Get(taskID)
	if err != nil {
		r.logger.Warn("task command for unknown task", "group", source, "task", taskID)
		return nil, false
	}
	if !isMain && task.GroupFolder != source {
		r.logger.Warn("unauthorized task command dropped",
			"group", source, "task", taskID, "owner", task.GroupFolder)
		return nil, false
	}
	return task, true
}

// ---------- Privileged operations ----------

func (r *Router) handlePrivileged(ctx context.Context, source string, cmd command) {
	switch cmd.Type {
	case CmdRegisterGroup:
		err := r.deps.Groups.Register(groups.Group{
			Folder:  cmd.Folder,
			Channel: cmd.Channel,
			ChatID:  cmd.ChatID,
			IsMain:  cmd.IsMain,
		})
		if err != nil {
			r.logger.Warn("group registration failed", "folder", cmd.Folder, "error", err)
		}

	case CmdRefreshMetadata:
		if r.deps.OnRefreshMetadata == nil {
			r.logger.Info("metadata refresh requested, no provider wired")
			return
		}
		if err := r.deps.OnRefreshMetadata(ctx); err != nil {
			r.logger.Error("metadata refresh failed", "error", err)
		}

	case CmdSetMode:
		if r.deps.OnSetMode == nil {
			r.logger.Info("mode change requested, no handler wired",
				"mode", cmd.Mode, "model", cmd.Model)
			return
		}
		if err := r.deps.OnSetMode(cmd.Mode, cmd.Model); err != nil {
			r.logger.Error("mode change failed", "error", err)
			return
		}
		r.logger.Info("mode changed", "mode", cmd.Mode, "model", cmd.Model)

	case CmdRestart:
		if r.deps.Restarter == nil {
			r.logger.Warn("restart requested, no restarter wired")
			return
		}
		r.deps.Restarter.Restart(ctx, cmd.Bot, func(text string) {
			r.reply(ctx, source, cmd.ReplyTarget, text)
		})

	case CmdRebuild:
		if r.deps.Restarter == nil {
			r.logger.Warn("rebuild requested, no restarter wired")
			return
		}
		r.deps.Restarter.Rebuild(ctx, cmd.Bot, func(text string) {
			r.reply(ctx, source, cmd.ReplyTarget, text)
		})

	case CmdStatusQuery:
		r.reply(ctx, source, cmd.ReplyTarget, r.statusText())
	}
}

// statusText composes a human-readable status summary from the session
// ledger, the capability ledger, and the task store.
func (r *Router) statusText() string {
	var b strings.Builder
	b.WriteString("status\n")

	if r.deps.Sessions != nil {
		sessions, err := r.deps.Sessions.List()
		if err != nil {
			fmt.Fprintf(&b, "sessions: error: %v\n", err)
		} else {
			fmt.Fprintf(&b, "sessions: %d\n", len(sessions))
			for _, s := range sessions {
				fmt.Fprintf(&b, "  %s: turn %d (%s)\n", s.GroupFolder, s.LastTurnID, s.ActiveModel)
			}
		}
	}

	if r.deps.Budget != nil {
		budgets, used, err := r.deps.Budget.Snapshot()
		if err != nil {
			fmt.Fprintf(&b, "usage: error: %v\n", err)
		} else {
			keys := make([]string, 0, len(used))
			for k := range used {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if limit, ok := budgets[k]; ok {
					fmt.Fprintf(&b, "usage %s: %d/%d tokens\n", k, used[k], limit)
				} else {
					fmt.Fprintf(&b, "usage %s: %d tokens\n", k, used[k])
				}
			}
		}
	}

	if r.deps.Tasks != nil {
		all, err := r.deps.Tasks.List()
		if err != nil {
			fmt.Fprintf(&b, "tasks: error: %v\n", err)
		} else {
			active := 0
			for _, t := range all {
				if t.Status == tasks.StatusActive {
					active++
				}
			}
			fmt.Fprintf(&b, "tasks: %d active, %d total\n", active, len(all))
		}
		if r.deps.Groups != nil {
			if all, err := r.deps.Groups.List(); err == nil {
				for _, g := range all {
					owned, err := r.deps.Tasks.ListByGroup(g.Folder)
					if err != nil || len(owned) == 0 {
						continue
					}
					active := 0
					for _, t := range owned {
						if t.Status == tasks.StatusActive {
							active++
						}
					}
					fmt.Fprintf(&b, "  %s: %d active, %d total\n", g.Folder, active, len(owned))
				}
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
