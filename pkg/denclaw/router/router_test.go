package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/budget"
	"github.com/denclaw/denclaw/pkg/denclaw/channels"
	"github.com/denclaw/denclaw/pkg/denclaw/database"
	"github.com/denclaw/denclaw/pkg/denclaw/groups"
	"github.com/denclaw/denclaw/pkg/denclaw/mailbox"
	"github.com/denclaw/denclaw/pkg/denclaw/session"
	"github.com/denclaw/denclaw/pkg/denclaw/tasks"
)

// recordingSender captures outbound deliveries for assertions.
type recordingSender struct {
	name string

	mu    sync.Mutex
	texts []sentText
	files []sentFile
}

type sentText struct {
	chatID string
	text   string
}

type sentFile struct {
	chatID  string
	path    string
	caption string
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, sentText{chatID, text})
	return nil
}

func (s *recordingSender) SendFile(_ context.Context, chatID, path, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, sentFile{chatID, path, caption})
	return nil
}

func (s *recordingSender) sentTexts() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.texts...)
}

type fixture struct {
	router *Router
	store  *mailbox.Store
	groups *groups.Registry
	tasks  *tasks.Store
	sender *recordingSender
}

// newFixture builds a router over a temp mailbox and database with three
// registered groups: main (privileged), alpha and beta.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "denclaw.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := groups.NewRegistry(db, nil)
	for _, g := range []groups.Group{
		{Folder: "main", Channel: "test", ChatID: "chat-main", IsMain: true},
		{Folder: "alpha", Channel: "test", ChatID: "chat-a"},
		{Folder: "beta", Channel: "test", ChatID: "chat-b"},
	} {
		if err := reg.Register(g); err != nil {
			t.Fatalf("register %s: %v", g.Folder, err)
		}
	}

	store := mailbox.NewStore(t.TempDir(), nil)
	taskStore := tasks.NewStore(db)
	sender := &recordingSender{name: "test"}
	mgr := channels.NewManager(nil)
	if err := mgr.Register(sender); err != nil {
		t.Fatal(err)
	}

	ledger, err := session.NewLedger(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	r := New(Deps{
		Mailbox:  store,
		Groups:   reg,
		Tasks:    taskStore,
		Channels: mgr,
		Sessions: ledger,
		Budget:   budget.NewLedger(filepath.Join(t.TempDir(), "budget.json")),
		Location: time.UTC,
	})
	return &fixture{router: r, store: store, groups: reg, tasks: taskStore, sender: sender}
}

func (f *fixture) writeMessage(t *testing.T, group, target, text string) {
	t.Helper()
	payload, _ := json.Marshal(messagePayload{Type: PayloadMessage, Text: text})
	_, err := f.store.Write(group, mailbox.KindMessage, &mailbox.Item{
		Target:  target,
		Kind:    PayloadMessage,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func (f *fixture) writeCommand(t *testing.T, group string, cmd command) {
	t.Helper()
	payload, _ := json.Marshal(cmd)
	_, err := f.store.Write(group, mailbox.KindTask, &mailbox.Item{
		Kind:    "task",
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func TestOwnGroupDeliveryReachesChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeMessage(t, "alpha", "chat-a", "hello")
	f.router.Poll(context.Background())

	sent := f.sender.sentTexts()
	if len(sent) != 1 || sent[0].chatID != "chat-a" || sent[0].text != "hello" {
		t.Fatalf("sent = %+v, want one message to chat-a", sent)
	}

	// The item was consumed.
	left, err := f.store.DrainAll("alpha", mailbox.KindMessage)
	if err != nil || len(left) != 0 {
		t.Errorf("mailbox not drained: %v items, err=%v", len(left), err)
	}
}

func TestCrossGroupDeliveryIsDroppedSilently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeMessage(t, "alpha", "chat-b", "sneaky")
	f.router.Poll(context.Background())

	if sent := f.sender.sentTexts(); len(sent) != 0 {
		t.Fatalf("unauthorized message was delivered: %+v", sent)
	}
	// Dropped means consumed, not retried.
	left, _ := f.store.DrainAll("alpha", mailbox.KindMessage)
	if len(left) != 0 {
		t.Error("unauthorized item left in mailbox")
	}
}

func TestMainGroupMayTargetAnyChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeMessage(t, "main", "chat-b", "admin notice")
	f.router.Poll(context.Background())

	sent := f.sender.sentTexts()
	if len(sent) != 1 || sent[0].chatID != "chat-b" {
		t.Fatalf("sent = %+v, want delivery to chat-b", sent)
	}
}

func TestFileDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	payload, _ := json.Marshal(messagePayload{Type: PayloadFile, Path: "/tmp/report.pdf", Caption: "report"})
	if _, err := f.store.Write("alpha", mailbox.KindMessage, &mailbox.Item{
		Target: "chat-a", Kind: PayloadFile, Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	f.router.Poll(context.Background())

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.files) != 1 || f.sender.files[0].path != "/tmp/report.pdf" {
		t.Fatalf("files = %+v, want one file delivery", f.sender.files)
	}
}

func TestScheduleCreatesTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeCommand(t, "alpha", command{
		Type:          CmdSchedule,
		Prompt:        "daily digest",
		ScheduleType:  tasks.ScheduleCron,
		ScheduleValue: "0 9 * * *",
	})
	f.router.Poll(context.Background())

	list, err := f.tasks.ListByGroup("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d tasks, want 1", len(list))
	}
	task := list[0]
	if task.Prompt != "daily digest" || task.ChatID != "chat-a" || task.Status != tasks.StatusActive {
		t.Errorf("task = %+v", task)
	}
	if task.NextRun.IsZero() || !task.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next_run = %v, want a future time", task.NextRun)
	}
}

func TestScheduleParseFailureCreatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeCommand(t, "alpha", command{
		Type:          CmdSchedule,
		Prompt:        "broken",
		ScheduleType:  tasks.ScheduleCron,
		ScheduleValue: "not a cron line at all",
	})
	f.writeCommand(t, "alpha", command{
		Type:          CmdSchedule,
		Prompt:        "also broken",
		ScheduleType:  tasks.ScheduleInterval,
		ScheduleValue: "-5",
	})
	f.router.Poll(context.Background())

	list, _ := f.tasks.List()
	if len(list) != 0 {
		t.Fatalf("got %d tasks, want none after parse failures", len(list))
	}
}

func TestScheduleForAnotherGroupRequiresPrivilege(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// alpha targeting beta's chat is dropped.
	f.writeCommand(t, "alpha", command{
		Type:             CmdSchedule,
		Prompt:           "spy",
		ScheduleType:     tasks.ScheduleInterval,
		ScheduleValue:    "60000",
		TargetIdentifier: "chat-b",
	})
	// main targeting beta's chat is allowed, and the task belongs to beta.
	f.writeCommand(t, "main", command{
		Type:             CmdSchedule,
		Prompt:           "reminder",
		ScheduleType:     tasks.ScheduleInterval,
		ScheduleValue:    "60000",
		TargetIdentifier: "chat-b",
	})
	f.router.Poll(context.Background())

	list, _ := f.tasks.ListByGroup("beta")
	if len(list) != 1 || list[0].Prompt != "reminder" {
		t.Fatalf("beta tasks = %+v, want only the privileged one", list)
	}
}

func TestTaskMutationOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	task := &tasks.Task{
		ID: "t-1", GroupFolder: "alpha", ChatID: "chat-a", Prompt: "p",
		ScheduleType: tasks.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: tasks.ContextGroup, NextRun: time.Now().Add(time.Minute),
	}
	if err := f.tasks.Save(task); err != nil {
		t.Fatal(err)
	}

	// beta may not pause alpha's task.
	f.writeCommand(t, "beta", command{Type: CmdPause, TaskID: "t-1"})
	f.router.Poll(context.Background())
	got, _ := f.tasks.Get("t-1")
	if got.Status != tasks.StatusActive {
		t.Fatal("foreign group paused the task")
	}

	// the owner may.
	f.writeCommand(t, "alpha", command{Type: CmdPause, TaskID: "t-1"})
	f.router.Poll(context.Background())
	got, _ = f.tasks.Get("t-1")
	if got.Status != tasks.StatusPaused {
		t.Fatal("owner pause did not apply")
	}

	// main may cancel anyone's task.
	f.writeCommand(t, "main", command{Type: CmdCancel, TaskID: "t-1"})
	f.router.Poll(context.Background())
	if _, err := f.tasks.Get("t-1"); err != tasks.ErrNotFound {
		t.Fatalf("task still present after privileged cancel: %v", err)
	}
}

func TestPrivilegedOpsAreGatedToMain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeCommand(t, "alpha", command{
		Type: CmdRegisterGroup, Folder: "gamma", Channel: "test", ChatID: "chat-g",
	})
	f.writeCommand(t, "alpha", command{Type: CmdStatusQuery, ReplyTarget: "chat-a"})
	f.router.Poll(context.Background())

	if _, err := f.groups.Get("gamma"); err == nil {
		t.Error("unprivileged group registration was applied")
	}
	if sent := f.sender.sentTexts(); len(sent) != 0 {
		t.Errorf("unprivileged status query got a reply: %+v", sent)
	}
}

func TestRegisterGroupFromMain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.writeCommand(t, "main", command{
		Type: CmdRegisterGroup, Folder: "gamma", Channel: "test", ChatID: "chat-g",
	})
	f.router.Poll(context.Background())

	g, err := f.groups.Get("gamma")
	if err != nil {
		t.Fatalf("group not registered: %v", err)
	}
	if g.ChatID != "chat-g" || g.IsMain {
		t.Errorf("group = %+v", g)
	}
}

func TestStatusQueryReplies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.tasks.Save(&tasks.Task{
		ID: "t-1", GroupFolder: "alpha", ChatID: "chat-a", Prompt: "digest",
		ScheduleType: tasks.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: tasks.ContextGroup, NextRun: time.Now().Add(time.Minute),
		Status: tasks.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.writeCommand(t, "main", command{Type: CmdStatusQuery, ReplyTarget: "chat-main"})
	f.router.Poll(context.Background())

	sent := f.sender.sentTexts()
	if len(sent) != 1 || sent[0].chatID != "chat-main" {
		t.Fatalf("sent = %+v, want one status reply to chat-main", sent)
	}
	if sent[0].text == "" {
		t.Error("status reply is empty")
	}
	if !strings.Contains(sent[0].text, "tasks: 1 active, 1 total") {
		t.Errorf("status lacks the task totals:\n%s", sent[0].text)
	}
	if !strings.Contains(sent[0].text, "alpha: 1 active, 1 total") {
		t.Errorf("status lacks the per-group task breakdown:\n%s", sent[0].text)
	}
}

func TestSetModeInvokesHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var gotMode, gotModel string
	f.router.deps.OnSetMode = func(mode, model string) error {
		gotMode, gotModel = mode, model
		return nil
	}

	f.writeCommand(t, "main", command{Type: CmdSetMode, Mode: "focused", Model: "opus"})
	f.router.Poll(context.Background())

	if gotMode != "focused" || gotModel != "opus" {
		t.Fatalf("handler got (%q, %q)", gotMode, gotModel)
	}
}

func TestInboxItemsFeedTheGroupSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	type delivered struct{ group, text, sender string }
	var got []delivered
	f.router.deps.Deliver = func(_ context.Context, group, text, sender string) error {
		got = append(got, delivered{group, text, sender})
		return nil
	}

	payload, _ := json.Marshal(inboxPayload{Text: "what's on today?", Sender: "alice"})
	if _, err := f.store.Write("alpha", mailbox.KindInbox, &mailbox.Item{
		Kind: "message", Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	f.router.Poll(context.Background())

	if len(got) != 1 || got[0].group != "alpha" || got[0].text != "what's on today?" || got[0].sender != "alice" {
		t.Fatalf("delivered = %+v", got)
	}
	left, _ := f.store.DrainAll("alpha", mailbox.KindInbox)
	if len(left) != 0 {
		t.Error("inbox item left after delivery")
	}
}

func TestMalformedCommandIsConsumedWithoutEffect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.store.Write("alpha", mailbox.KindTask, &mailbox.Item{
		Kind:    "task",
		Payload: json.RawMessage(`"not an object"`),
	}); err != nil {
		t.Fatal(err)
	}
	f.router.Poll(context.Background())

	left, _ := f.store.DrainAll("alpha", mailbox.KindTask)
	if len(left) != 0 {
		t.Error("malformed command left in mailbox")
	}
	list, _ := f.tasks.List()
	if len(list) != 0 {
		t.Error("malformed command produced a task")
	}
}
