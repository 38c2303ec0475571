package pipeline_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/pipeline"
	"github.com/dotsetlabs/dotclaw/internal/ratelimit"
	"github.com/dotsetlabs/dotclaw/internal/router"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(ctx context.Context, chatJID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recordingNotifier) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// tracingNotifier additionally implements pipeline.TracedNotifier, the
// capability providerNotifier uses to report back the sent message's id.
type tracingNotifier struct {
	recordingNotifier
	nextID int
}

func (r *tracingNotifier) NotifyTraced(ctx context.Context, chatJID, text string) (string, error) {
	if err := r.Notify(ctx, chatJID, text); err != nil {
		return "", err
	}
	r.nextID++
	return "sent-" + itoaTest(r.nextID), nil
}

func itoaTest(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		return "0"
	}
	return string(digits)
}

func newTestPipeline(t *testing.T, runner agentrunner.Runner) (*pipeline.Pipeline, *store.Store, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dotclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	notifier := &recordingNotifier{}
	p := pipeline.New(pipeline.Config{
		Store:       s,
		Bus:         bus.New(),
		Limiter:     ratelimit.New(20, time.Minute, nil),
		Groups:      groups.New(s),
		Runner:      runner,
		Notifier:    notifier,
		RouterCfg:   router.DefaultConfig(),
		BatchWindow: 10 * time.Millisecond,
	})
	return p, s, notifier
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueDrainsAndReplies(t *testing.T) {
	runner := &agentrunner.Fake{Handle: func(ctx context.Context, spec agentrunner.Spec) (agentrunner.ContainerOutput, error) {
		return agentrunner.ContainerOutput{Status: "ok", Result: "hello back"}, nil
	}}
	p, _, notifier := newTestPipeline(t, runner)

	err := p.Enqueue(context.Background(), store.QueuedMessage{
		ChatJID: "telegram:1", MessageID: "m1", SenderID: "u1", Content: "hi", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })
	msgs := notifier.snapshot()
	if msgs[0] != "hello back" {
		t.Fatalf("expected agent reply forwarded, got %q", msgs[0])
	}
}

func TestCancelPhraseAbortsAndAcknowledges(t *testing.T) {
	block := make(chan struct{})
	runner := &agentrunner.Fake{Handle: func(ctx context.Context, spec agentrunner.Spec) (agentrunner.ContainerOutput, error) {
		<-block
		return agentrunner.ContainerOutput{Status: "ok"}, nil
	}}
	p, _, notifier := newTestPipeline(t, runner)
	close(block) // let the first call (if any) resolve immediately; cancel is the real path under test

	if err := p.Enqueue(context.Background(), store.QueuedMessage{
		ChatJID: "telegram:2", MessageID: "c1", SenderID: "u1", Content: "cancel", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })
	if notifier.snapshot()[0] != "Canceled." {
		t.Fatalf("expected cancellation acknowledgement, got %q", notifier.snapshot()[0])
	}
}

func TestRateLimitedMessageIsDroppedWithNotice(t *testing.T) {
	runner := &agentrunner.Fake{}
	_, s, _ := newTestPipeline(t, runner)
	notifier := &recordingNotifier{}

	limiter := ratelimit.New(1, time.Minute, nil)
	p := pipeline.New(pipeline.Config{
		Store: s, Bus: bus.New(), Limiter: limiter, Groups: groups.New(s),
		Runner: runner, Notifier: notifier, RouterCfg: router.DefaultConfig(),
		BatchWindow: 10 * time.Millisecond,
	})

	ctx := context.Background()
	if err := p.Enqueue(ctx, store.QueuedMessage{ChatJID: "telegram:3", MessageID: "a", SenderID: "u1", Content: "one", Timestamp: time.Now()}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	waitFor(t, func() bool { return len(notifier.snapshot()) >= 1 })

	if err := p.Enqueue(ctx, store.QueuedMessage{ChatJID: "telegram:3", MessageID: "b", SenderID: "u1", Content: "two", Timestamp: time.Now().Add(time.Millisecond)}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	waitFor(t, func() bool { return len(notifier.snapshot()) >= 2 })

	msgs := notifier.snapshot()
	if msgs[1] == "" {
		t.Fatal("expected a rate-limit notice for the second message")
	}
}

func TestProcessBatchAppendsMessageLogAndRecordsTraceLink(t *testing.T) {
	var seenPrompt string
	runner := &agentrunner.Fake{Handle: func(ctx context.Context, spec agentrunner.Spec) (agentrunner.ContainerOutput, error) {
		seenPrompt = spec.Prompt
		if spec.TraceID == "" {
			t.Error("expected a non-empty trace id on the agent spec")
		}
		return agentrunner.ContainerOutput{Status: "ok", Result: "hi there"}, nil
	}}

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dotclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	notifier := &tracingNotifier{}
	p := pipeline.New(pipeline.Config{
		Store:       s,
		Bus:         bus.New(),
		Limiter:     ratelimit.New(20, time.Minute, nil),
		Groups:      groups.New(s),
		Runner:      runner,
		Notifier:    notifier,
		RouterCfg:   router.DefaultConfig(),
		BatchWindow: 10 * time.Millisecond,
	})

	chatJID := "telegram:900"
	ctx := context.Background()
	if err := p.Enqueue(ctx, store.QueuedMessage{
		ChatJID: chatJID, MessageID: "m1", SenderID: "u1", SenderName: "Ada", Content: "hi", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })

	if !strings.Contains(seenPrompt, "hi") {
		t.Fatalf("expected prompt assembled from the message log to contain the inbound text, got %q", seenPrompt)
	}

	msgs, err := s.MessagesSince(ctx, chatJID, time.Time{}, "")
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected inbound + outbound messages appended to the log, got %d: %#v", len(msgs), msgs)
	}
	if msgs[0].IsOutbound {
		t.Fatal("expected the first logged message to be inbound")
	}
	if !msgs[1].IsOutbound || msgs[1].Content != "hi there" {
		t.Fatalf("expected the agent reply appended as outbound, got %#v", msgs[1])
	}

	link, err := s.GetTraceLink(ctx, store.NamespacedMessageID(chatJID, "sent-1"))
	if err != nil {
		t.Fatalf("get trace link: %v", err)
	}
	if link == nil {
		t.Fatal("expected a trace link recorded against the sent message")
	}
}
