package store_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dotclaw.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	requiredTables := []string{
		"chats", "registered_groups", "sessions", "messages", "chat_cursors",
		"queued_messages", "scheduled_tasks", "background_jobs", "background_job_events",
		"trace_links", "feedback", "schema_migrations",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dotclaw.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = store.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestChatCursorMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:100"

	now := time.Now().UTC().Truncate(time.Millisecond)
	advanced, err := s.AdvanceChatCursor(ctx, chatID, now, "m2")
	if err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if !advanced {
		t.Fatal("expected first advance to succeed")
	}

	// Earlier timestamp must be a no-op.
	advanced, err = s.AdvanceChatCursor(ctx, chatID, now.Add(-time.Second), "m3")
	if err != nil {
		t.Fatalf("advance cursor (earlier): %v", err)
	}
	if advanced {
		t.Fatal("expected earlier timestamp to be rejected")
	}

	// Same timestamp, lexically-smaller message id must be a no-op.
	advanced, err = s.AdvanceChatCursor(ctx, chatID, now, "m1")
	if err != nil {
		t.Fatalf("advance cursor (same ts, smaller id): %v", err)
	}
	if advanced {
		t.Fatal("expected same-timestamp smaller id to be rejected")
	}

	// Strictly later must succeed.
	advanced, err = s.AdvanceChatCursor(ctx, chatID, now.Add(time.Second), "m4")
	if err != nil {
		t.Fatalf("advance cursor (later): %v", err)
	}
	if !advanced {
		t.Fatal("expected later timestamp to advance")
	}

	cur, err := s.GetChatCursor(ctx, chatID)
	if err != nil {
		t.Fatalf("get chat cursor: %v", err)
	}
	if cur.LastAgentMessageID != "m4" {
		t.Fatalf("expected cursor at m4, got %q", cur.LastAgentMessageID)
	}
}

func TestAppendMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:200"

	msg := store.Message{ID: "dup-1", ChatJID: chatID, SenderID: "u1", Content: "hi", Timestamp: time.Now()}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append duplicate message: %v", err)
	}

	msgs, err := s.MessagesSince(ctx, chatID, time.Time{}, "")
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message after duplicate append, got %d", len(msgs))
	}
}

func TestRegisterGroupEnforcesFolderInvariants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Team", Folder: "Team-Bad"}); err == nil {
		t.Fatal("expected uppercase folder to be rejected")
	}
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Team", Folder: ".."}); err == nil {
		t.Fatal("expected .. folder to be rejected")
	}
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Team", Folder: "/abs"}); err == nil {
		t.Fatal("expected absolute folder to be rejected")
	}

	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Team", Folder: "team-a"}); err != nil {
		t.Fatalf("register group: %v", err)
	}
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c2", Name: "Other", Folder: "team-a"}); err == nil {
		t.Fatal("expected folder collision to be rejected")
	}
}

func TestUnregisterGroupProtectsMainGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "main-chat", Name: "Main", Folder: store.MainGroupFolder}); err != nil {
		t.Fatalf("register main group: %v", err)
	}
	if err := s.UnregisterGroup(ctx, "main-chat"); err != store.ErrMainGroupProtected {
		t.Fatalf("expected ErrMainGroupProtected, got %v", err)
	}

	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c2", Name: "Side", Folder: "side"}); err != nil {
		t.Fatalf("register side group: %v", err)
	}
	if err := s.UnregisterGroup(ctx, "c2"); err != nil {
		t.Fatalf("unregister side group: %v", err)
	}
	g, err := s.GetGroupByChat(ctx, "c2")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if g != nil {
		t.Fatal("expected group to be gone after unregister")
	}
}

func TestEnqueueMessageDedupes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:300"

	m := store.QueuedMessage{ChatJID: chatID, MessageID: "mid-1", SenderID: "u1", Content: "hi", Timestamp: time.Now(), ChatType: "private"}
	if err := s.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	batch, err := s.ClaimBatchForChat(ctx, chatID, 10, 60_000)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected exactly 1 queued message, got %d", len(batch))
	}
}

func TestClaimBatchOrderAndCompletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:400"

	for i, mid := range []string{"a", "b", "c"} {
		m := store.QueuedMessage{ChatJID: chatID, MessageID: mid, SenderID: "u1", Content: mid, Timestamp: time.Now(), ChatType: "private"}
		if err := s.EnqueueMessage(ctx, m); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	batch, err := s.ClaimBatchForChat(ctx, chatID, 10, 60_000)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 claimed messages, got %d", len(batch))
	}
	if batch[0].MessageID != "a" || batch[2].MessageID != "c" {
		t.Fatalf("expected arrival order a,b,c, got %#v", batch)
	}

	var ids []int64
	for _, m := range batch {
		ids = append(ids, m.AutoID)
	}
	if err := s.CompleteQueuedMessages(ctx, ids); err != nil {
		t.Fatalf("complete queued messages: %v", err)
	}

	remaining, err := s.ClaimBatchForChat(ctx, chatID, 10, 60_000)
	if err != nil {
		t.Fatalf("claim batch after completion: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending messages after completion, got %d", len(remaining))
	}
}

func TestClaimBatchForChatRespectsWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:450"

	oldest := time.Now().UTC().Truncate(time.Millisecond)
	rows := []struct {
		mid string
		ts  time.Time
	}{
		{"in-window", oldest.Add(3 * time.Second)},
		{"at-boundary", oldest.Add(5 * time.Second)}, // delta == windowMS, must stay in batch
		{"past-boundary", oldest.Add(5*time.Second + time.Millisecond)},
	}
	if err := s.EnqueueMessage(ctx, store.QueuedMessage{ChatJID: chatID, MessageID: "oldest", SenderID: "u1", Content: "oldest", Timestamp: oldest, ChatType: "private"}); err != nil {
		t.Fatalf("enqueue oldest: %v", err)
	}
	for _, r := range rows {
		m := store.QueuedMessage{ChatJID: chatID, MessageID: r.mid, SenderID: "u1", Content: r.mid, Timestamp: r.ts, ChatType: "private"}
		if err := s.EnqueueMessage(ctx, m); err != nil {
			t.Fatalf("enqueue %s: %v", r.mid, err)
		}
	}

	batch, err := s.ClaimBatchForChat(ctx, chatID, 10, 5000)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 messages within window (oldest, in-window, at-boundary), got %d: %#v", len(batch), batch)
	}
	if batch[0].MessageID != "oldest" || batch[1].MessageID != "in-window" || batch[2].MessageID != "at-boundary" {
		t.Fatalf("unexpected batch membership/order: %#v", batch)
	}

	remaining, err := s.ClaimBatchForChat(ctx, chatID, 10, 5000)
	if err != nil {
		t.Fatalf("claim remaining: %v", err)
	}
	if len(remaining) != 1 || remaining[0].MessageID != "past-boundary" {
		t.Fatalf("expected past-boundary message left pending, got %#v", remaining)
	}
}

func TestResetStalledMessagesRequeuesClaimed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chatID := "telegram:500"

	if err := s.EnqueueMessage(ctx, store.QueuedMessage{ChatJID: chatID, MessageID: "x", SenderID: "u1", Timestamp: time.Now(), ChatType: "private"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimBatchForChat(ctx, chatID, 10, 60_000); err != nil {
		t.Fatalf("claim batch: %v", err)
	}

	n, err := s.ResetStalledMessages(ctx)
	if err != nil {
		t.Fatalf("reset stalled messages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset message, got %d", n)
	}

	batch, err := s.ClaimBatchForChat(ctx, chatID, 10, 60_000)
	if err != nil {
		t.Fatalf("claim batch after reset: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected message to be reclaimable after reset, got %d", len(batch))
	}
}

func TestClaimDueTasksAndRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := store.ScheduledTask{
		ID: "task-1", GroupFolder: "main", ChatJID: "telegram:1", Prompt: "say hi",
		ScheduleType: "cron", ScheduleValue: "0 9 * * *", Timezone: "UTC", ContextMode: "group",
		NextRun: time.Now().Add(-time.Minute),
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	due, err := s.ClaimDueTasks(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("claim due tasks: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due task, got %d", len(due))
	}

	// A second claim before the run is recorded should see no further due tasks.
	due2, err := s.ClaimDueTasks(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("second claim due tasks: %v", err)
	}
	if len(due2) != 0 {
		t.Fatalf("expected task already claimed to be excluded, got %d", len(due2))
	}

	next := time.Now().Add(24 * time.Hour)
	if err := s.UpdateTaskAfterRun(ctx, "task-1", "ok", "", next, "active", 0); err != nil {
		t.Fatalf("update task after run: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.RunningSince.IsZero() {
		t.Fatal("expected running_since cleared after run")
	}
	if got.LastResult != "ok" {
		t.Fatalf("expected last_result 'ok', got %q", got.LastResult)
	}
}

func TestResetStalledTasksClearsRunningSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := store.ScheduledTask{
		ID: "task-2", GroupFolder: "main", ChatJID: "telegram:1", Prompt: "say hi",
		ScheduleType: "once", ScheduleValue: "2030-01-01T00:00:00Z", Timezone: "UTC", ContextMode: "group",
		NextRun: time.Now().Add(-time.Minute),
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimDueTasks(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim due tasks: %v", err)
	}

	n, err := s.ResetStalledTasks(ctx)
	if err != nil {
		t.Fatalf("reset stalled tasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled task reset, got %d", n)
	}
}

func TestBackgroundJobPriorityOrderingAndLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SpawnBackgroundJob(ctx, store.BackgroundJob{ID: "job-low", GroupFolder: "main", Prompt: "low", Priority: 0}); err != nil {
		t.Fatalf("spawn low priority job: %v", err)
	}
	if err := s.SpawnBackgroundJob(ctx, store.BackgroundJob{ID: "job-high", GroupFolder: "main", Prompt: "high", Priority: 5}); err != nil {
		t.Fatalf("spawn high priority job: %v", err)
	}

	claimed, err := s.ClaimBackgroundJob(ctx, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim background job: %v", err)
	}
	if claimed == nil || claimed.ID != "job-high" {
		t.Fatalf("expected high priority job claimed first, got %#v", claimed)
	}
	if claimed.LeaseOwner != "worker-1" {
		t.Fatalf("expected lease owner worker-1, got %q", claimed.LeaseOwner)
	}

	renewed, err := s.RenewBackgroundJobLease(ctx, "job-high", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("renew lease: %v", err)
	}
	if !renewed {
		t.Fatal("expected lease renewal to succeed for current owner")
	}

	if err := s.FinishBackgroundJob(ctx, "job-high", "succeeded", "done", "", false, ""); err != nil {
		t.Fatalf("finish background job: %v", err)
	}

	got, err := s.GetJob(ctx, "job-high")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("expected succeeded status, got %q", got.Status)
	}
}

func TestResetStalledBackgroundJobsReclaimsExpiredLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SpawnBackgroundJob(ctx, store.BackgroundJob{ID: "job-x", GroupFolder: "main", Prompt: "x"}); err != nil {
		t.Fatalf("spawn job: %v", err)
	}
	if _, err := s.ClaimBackgroundJob(ctx, "worker-1", -time.Second); err != nil {
		t.Fatalf("claim with already-expired lease: %v", err)
	}

	n, err := s.ResetStalledBackgroundJobs(ctx)
	if err != nil {
		t.Fatalf("reset stalled jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled job reclaimed, got %d", n)
	}

	got, err := s.GetJob(ctx, "job-x")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected job requeued, got %q", got.Status)
	}
}

func TestRecordBackgroundJobUpdateAppendsEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SpawnBackgroundJob(ctx, store.BackgroundJob{ID: "job-ev", GroupFolder: "main", Prompt: "x"}); err != nil {
		t.Fatalf("spawn job: %v", err)
	}
	if err := s.RecordBackgroundJobUpdate(ctx, "job-ev", "info", "starting", ""); err != nil {
		t.Fatalf("record event 1: %v", err)
	}
	if err := s.RecordBackgroundJobUpdate(ctx, "job-ev", "info", "halfway", ""); err != nil {
		t.Fatalf("record event 2: %v", err)
	}

	events, err := s.ListJobEvents(ctx, "job-ev")
	if err != nil {
		t.Fatalf("list job events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Message != "starting" || events[1].Message != "halfway" {
		t.Fatalf("expected events in emission order, got %#v", events)
	}
}

func TestTraceLinkAndFeedbackRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordTraceLink(ctx, store.TraceLink{SentMessageID: "sent-1", ChatJID: "telegram:1", TraceID: "trace-1"}); err != nil {
		t.Fatalf("record trace link: %v", err)
	}
	link, err := s.GetTraceLink(ctx, "sent-1")
	if err != nil {
		t.Fatalf("get trace link: %v", err)
	}
	if link == nil || link.TraceID != "trace-1" {
		t.Fatalf("expected trace-1, got %#v", link)
	}

	if err := s.RecordReactionFeedback(ctx, store.Feedback{TraceID: "trace-1", ChatJID: "telegram:1", SenderID: "u1", Emoji: "👍"}); err != nil {
		t.Fatalf("record feedback: %v", err)
	}
	feedback, err := s.ListFeedback(ctx, "trace-1")
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(feedback) != 1 || feedback[0].Emoji != "👍" {
		t.Fatalf("unexpected feedback: %#v", feedback)
	}
}

func TestRunMaintenance_RecoversStalledRowsAndTrimsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordTraceLink(ctx, store.TraceLink{SentMessageID: "sent-old", ChatJID: "telegram:1", TraceID: "trace-old"}); err != nil {
		t.Fatalf("record trace link: %v", err)
	}
	if err := s.RecordReactionFeedback(ctx, store.Feedback{TraceID: "trace-old", ChatJID: "telegram:1", SenderID: "u1", Emoji: "👍"}); err != nil {
		t.Fatalf("record feedback: %v", err)
	}

	report, err := s.RunMaintenance(ctx, time.Hour)
	if err != nil {
		t.Fatalf("run maintenance: %v", err)
	}
	if report.TrimmedTraces != 0 || report.TrimmedFeedback != 0 {
		t.Fatalf("expected nothing trimmed within the retention window, got %#v", report)
	}

	report, err = s.RunMaintenance(ctx, -time.Second)
	if err != nil {
		t.Fatalf("run maintenance with elapsed retention: %v", err)
	}
	if report.TrimmedTraces != 1 {
		t.Fatalf("expected 1 trace link trimmed, got %d", report.TrimmedTraces)
	}
	if report.TrimmedFeedback != 1 {
		t.Fatalf("expected 1 feedback row trimmed, got %d", report.TrimmedFeedback)
	}

	if _, err := s.GetTraceLink(ctx, "sent-old"); err != nil {
		t.Fatalf("expected no error fetching trimmed trace link, got %v", err)
	}
}

func TestDefaultDBPathUsesDotclawHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	path := store.DefaultDBPath()
	expected := filepath.Join(tmp, ".dotclaw", "dotclaw.db")
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
	_ = os.Remove(path)
	_ = os.Remove(filepath.Dir(path))
}
