// Package router implements the host-side mailbox router. It scans every
// group's mailbox directories, authorizes each item against the group the
// item was found under, and performs the requested action: deliver a chat
// message or file, mutate a scheduled task, or execute a privileged
// operation. Authorization is derived from the directory path alone; nothing
// inside an item can change who wrote it.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/budget"
	"github.com/denclaw/denclaw/pkg/denclaw/channels"
	"github.com/denclaw/denclaw/pkg/denclaw/groups"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/session"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
)

// DefaultPollInterval is how often the router scans all mailboxes.
const DefaultPollInterval = 500 * time.Millisecond

// Message payload types.
const (
	PayloadMessage = "message"
	PayloadFile    = "file"
)

// messagePayload is the body of a KindMessage mailbox item.
type messagePayload struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Path    string `json:"path,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Deps are the router's collaborators. Zero-value optional fields disable
// the corresponding feature rather than panic.
type Deps struct {
	Mailbox  *mailbox.Store
	Groups   *groups.Registry
	Tasks    *tasks.Store
	Channels *channels.Manager
	Sessions *session.Ledger
	Budget   *budget.Ledger

	// Restarter executes restart and rebuild operations. Nil disables them.
	Restarter *Restarter

	// Lookup resolves a target identifier to its owning group folder.
	// Nil falls back to Groups.Lookup (exact chat-id match).
	Lookup groups.LookupFunc

	// Location is the timezone schedules are computed in.
	Location *time.Location

	// OnSetMode applies a runtime engine configuration change to future
	// worker spawns. Nil logs and ignores the command.
	OnSetMode func(mode, model string) error

	// OnRefreshMetadata re-reads group metadata from the channel adapters.
	// Nil logs and ignores the command.
	OnRefreshMetadata func(ctx context.Context) error

	// Deliver hands an inbound user message to the group's worker session.
	// Implemented by the supervisor. Nil leaves inbox items in place.
	Deliver func(ctx context.Context, group, text, sender string) error

	Logger *slog.Logger
}

// Router is the host task/message router. It is single-threaded: one poll
// handles all groups' pending items sequentially.
type Router struct {
	deps     Deps
	lookup   groups.LookupFunc
	loc      *time.Location
	interval time.Duration
	logger   *slog.Logger
}

// New creates a router.
func New(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := deps.Lookup
	if lookup == nil && deps.Groups != nil {
		lookup = deps.Groups.Lookup
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Router{
		deps:     deps,
		lookup:   lookup,
		loc:      loc,
		interval: DefaultPollInterval,
		logger:   logger.With("component", "router"),
	}
}

// SetInterval overrides the poll interval. Must be called before Run.
func (r *Router) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Run polls until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("router started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll performs one scan over every group's mailboxes.
func (r *Router) Poll(ctx context.Context) {
	groupDirs, err := r.deps.Mailbox.Groups()
	if err != nil {
		r.logger.Error("mailbox scan failed", "error", err)
		return
	}

	mainFolder := r.mainFolder()
	for _, group := range groupDirs {
		isMain := group == mainFolder

		items, err := r.deps.Mailbox.DrainAll(group, mailbox.KindMessage)
		if err != nil {
			r.logger.Error("message drain failed", "group", group, "error", err)
		}
		for _, item := range items {
			r.handleMessage(ctx, item, isMain)
		}

		items, err = r.deps.Mailbox.DrainAll(group, mailbox.KindTask)
		if err != nil {
			r.logger.Error("task drain failed", "group", group, "error", err)
		}
		for _, item := range items {
			r.handleCommand(ctx, item, isMain)
		}

		if r.deps.Deliver != nil {
			items, err = r.deps.Mailbox.DrainAll(group, mailbox.KindInbox)
			if err != nil {
				r.logger.Error("inbox drain failed", "group", group, "error", err)
			}
			for _, item := range items {
				r.handleInbox(ctx, item)
			}
		}
	}
}

// inboxPayload is the body of a KindInbox item: one inbound user message
// written by a channel adapter.
type inboxPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// handleInbox feeds one inbound user message to the group's worker session.
// Inbox items never cross group boundaries; the directory they were found in
// is the session they belong to.
func (r *Router) handleInbox(ctx context.Context, item mailbox.Item) {
	var p inboxPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		r.logger.Warn("malformed inbox payload",
			"group", item.SourceGroup, "item", item.ID, "error", err)
		return
	}
	if p.Text == "" {
		return
	}
	if err := r.deps.Deliver(ctx, item.SourceGroup, p.Text, p.Sender); err != nil {
		r.logger.Error("inbox delivery failed",
			"group", item.SourceGroup, "item", item.ID, "error", err)
	}
}

// handleMessage delivers one outbound message or file to its chat, if the
// source group is allowed to target it.
func (r *Router) handleMessage(ctx context.Context, item mailbox.Item, isMain bool) {
	var p messagePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		r.logger.Warn("malformed message payload",
			"group", item.SourceGroup, "item", item.ID, "error", err)
		return
	}
	if item.Target == "" {
		r.logger.Warn("message without target", "group", item.SourceGroup, "item", item.ID)
		return
	}

	if !r.authorized(item.SourceGroup, isMain, item.Target) {
		r.logger.Warn("unauthorized delivery dropped",
			"group", item.SourceGroup, "target", item.Target, "item", item.ID)
		return
	}

	channel := r.channelFor(item.SourceGroup, item.Target)
	if channel == "" {
		r.logger.Warn("no channel for target",
			"group", item.SourceGroup, "target", item.Target)
		return
	}

	var err error
	switch p.Type {
	case PayloadFile:
		err = r.deps.Channels.SendFile(ctx, channel, item.Target, p.Path, p.Caption)
	case PayloadMessage, "":
		err = r.deps.Channels.Send(ctx, channel, item.Target, p.Text)
	default:
		r.logger.Warn("unknown message payload type",
			"group", item.SourceGroup, "type", p.Type)
		return
	}
	if err != nil {
		r.logger.Error("delivery failed",
			"group", item.SourceGroup, "target", item.Target, "error", err)
	}
}

// authorized reports whether source may target the given chat identifier:
// the privileged group may target anything, everyone else only chats that
// resolve back to their own group.
func (r *Router) authorized(source string, isMain bool, target string) bool {
	if isMain {
		return true
	}
	folder, ok := r.lookup(target)
	return ok && folder == source
}

// channelFor picks the channel adapter for a delivery: the target's owning
// group when it is registered, otherwise the sender's own channel (only the
// privileged group can reach this case).
func (r *Router) channelFor(source, target string) string {
	if folder, ok := r.lookup(target); ok {
		if g, err := r.deps.Groups.Get(folder); err == nil {
			return g.Channel
		}
	}
	if g, err := r.deps.Groups.Get(source); err == nil {
		return g.Channel
	}
	return ""
}

// mainFolder returns the privileged group's folder, or "" when none is
// registered yet. Privileged checks fail closed on "".
func (r *Router) mainFolder() string {
	g, err := r.deps.Groups.Main()
	if err != nil {
		return ""
	}
	return g.Folder
}

// reply sends a text back to a chat identifier, logging instead of failing
// when no route exists. Used for command feedback to the privileged group.
func (r *Router) reply(ctx context.Context, source, target, text string) {
	if target == "" || text == "" {
		return
	}
	channel := r.channelFor(source, target)
	if channel == "" {
		r.logger.Warn("no reply route", "target", target)
		return
	}
	if err := r.deps.Channels.Send(ctx, channel, target, text); err != nil {
		r.logger.Error("reply failed", "target", target, "error", err)
	}
}
