package ipcbus_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/ipcbus"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dotclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeScheduler stubs the TaskRunner seam so ipcbus tests don't need a real
// scheduler poll loop to exercise run_task.
type fakeScheduler struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeScheduler) RunNow(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, taskID)
	return nil
}

func (f *fakeScheduler) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

// fakeMemory is a trivial in-process MemoryStore double.
type fakeMemory struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newFakeMemory() *fakeMemory { return &fakeMemory{data: map[string]map[string]string{}} }

func (m *fakeMemory) Get(ctx context.Context, group, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[group][key]
	return v, ok, nil
}

func (m *fakeMemory) Set(ctx context.Context, group, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[group] == nil {
		m.data[group] = map[string]string{}
	}
	m.data[group][key] = value
	return nil
}

func (m *fakeMemory) Delete(ctx context.Context, group, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[group], key)
	return nil
}

func (m *fakeMemory) List(ctx context.Context, group string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.data[group] {
		out[k] = v
	}
	return out, nil
}

// fakeProvider records every call it receives; only the methods ipcbus
// drives are meaningfully implemented, the rest satisfy the interface.
type fakeProvider struct {
	mu    sync.Mutex
	sent  []string
	edits []string
	dels  []string
}

func (p *fakeProvider) Name() string                 { return "fake" }
func (p *fakeProvider) Capabilities() providers.Capabilities { return providers.Capabilities{} }
func (p *fakeProvider) IsConnected() bool            { return true }
func (p *fakeProvider) Start(ctx context.Context, h providers.Handlers) error { return nil }
func (p *fakeProvider) Stop(ctx context.Context) error                       { return nil }

func (p *fakeProvider) SendMessage(ctx context.Context, chatID, text string, opts providers.SendOptions) (providers.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return providers.SendResult{Success: true, MessageID: "m1"}, nil
}
func (p *fakeProvider) SendDocument(ctx context.Context, chatID, path, caption string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendPhoto(ctx context.Context, chatID, path, caption string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendVoice(ctx context.Context, chatID, path string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendAudio(ctx context.Context, chatID, path, caption string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendLocation(ctx context.Context, chatID string, lat, lon float64, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendContact(ctx context.Context, chatID, phoneNumber, firstName, lastName string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendPoll(ctx context.Context, chatID, question string, options []string, multi bool, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]providers.InlineButton, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) EditMessage(ctx context.Context, chatID, messageID, text string) (providers.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits = append(p.edits, messageID)
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dels = append(p.dels, messageID)
	return nil
}
func (p *fakeProvider) DownloadFile(ctx context.Context, providerRef, groupFolder, filename string) (providers.DownloadResult, error) {
	return providers.DownloadResult{}, nil
}
func (p *fakeProvider) IsBotMentioned(msg providers.IncomingMessage) bool { return false }
func (p *fakeProvider) IsBotReplied(msg providers.IncomingMessage) bool  { return false }
func (p *fakeProvider) BotUsername() string                             { return "fakebot" }

func (p *fakeProvider) snapshot() (sent, edits, dels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.sent...), append([]string{}, p.edits...), append([]string{}, p.dels...)
}

var _ providers.Provider = (*fakeProvider)(nil)

// testHarness wires a Bus against a temp data dir, a real Store, a real
// groups.Registry, a fake Provider behind "fake:", a fake Scheduler, and a
// fake MemoryStore.
type testHarness struct {
	t         *testing.T
	dataDir   string
	store     *store.Store
	groups    *groups.Registry
	providers *providers.Registry
	provider  *fakeProvider
	sched     *fakeScheduler
	memory    *fakeMemory
	bus       *ipcbus.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TouchChat(ctx, "fake:1", "Main", time.Now()); err != nil {
		t.Fatalf("touch main chat: %v", err)
	}
	if err := s.TouchChat(ctx, "fake:2", "Side", time.Now()); err != nil {
		t.Fatalf("touch side chat: %v", err)
	}
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "fake:1", Name: "Main", Folder: store.MainGroupFolder}); err != nil {
		t.Fatalf("register main group: %v", err)
	}
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "fake:2", Name: "Side", Folder: "side"}); err != nil {
		t.Fatalf("register side group: %v", err)
	}

	g := groups.New(s)
	if err := g.Load(ctx); err != nil {
		t.Fatalf("load groups: %v", err)
	}

	provRegistry := providers.NewRegistry()
	fp := &fakeProvider{}
	provRegistry.Add(fp)

	dataDir := t.TempDir()
	sched := &fakeScheduler{}
	mem := newFakeMemory()

	bus := ipcbus.New(ipcbus.Config{
		DataDir: dataDir, Store: s, Groups: g, Providers: provRegistry,
		Scheduler: sched, Memory: mem, PollInterval: 20 * time.Millisecond,
	})

	h := &testHarness{t: t, dataDir: dataDir, store: s, groups: g, providers: provRegistry, provider: fp, sched: sched, memory: mem, bus: bus}
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Stop)
	return h
}

func (h *testHarness) dropFile(t *testing.T, folder, sub, name string, env map[string]any) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	path := filepath.Join(h.dataDir, "ipc", folder, sub, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write ipc file: %v", err)
	}
}

func TestScheduleTaskFromOwnGroupCreatesActiveTask(t *testing.T) {
	h := newHarness(t)
	h.dropFile(t, "side", "tasks", "001.json", map[string]any{
		"id":   "req-1",
		"type": "schedule_task",
		"payload": map[string]any{
			"task_id":        "task-1",
			"prompt":         "say hi",
			"schedule_type":  "interval",
			"schedule_value": "1h",
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		tk, err := h.store.GetTask(context.Background(), "task-1")
		return err == nil && tk != nil
	})

	tk, err := h.store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.GroupFolder != "side" || tk.ChatJID != "fake:2" {
		t.Fatalf("task not scoped to requesting group: %+v", tk)
	}
	if tk.Status != "active" || tk.NextRun.IsZero() {
		t.Fatalf("expected active task with a next_run, got %+v", tk)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(h.dataDir, "ipc", "side", "tasks", "001.json"))
		return os.IsNotExist(err)
	})
}

func TestUnauthorizedRegisterGroupFromNonMainIsDroppedAndLogged(t *testing.T) {
	h := newHarness(t)
	h.dropFile(t, "side", "tasks", "001.json", map[string]any{
		"id":   "req-2",
		"type": "register_group",
		"payload": map[string]any{
			"chat_id": "fake:99",
			"name":    "Intruder",
			"folder":  "intruder",
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(h.dataDir, "ipc", "side", "tasks", "001.json"))
		return os.IsNotExist(err)
	})

	if _, ok := h.groups.ByFolder("intruder"); ok {
		t.Fatal("expected register_group from non-main group to be rejected")
	}
}

func TestRunTaskFromOwningGroupInvokesScheduler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.CreateTask(ctx, store.ScheduledTask{
		ID: "task-2", GroupFolder: "side", ChatJID: "fake:2", Prompt: "p",
		ScheduleType: "interval", ScheduleValue: "1h",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.dropFile(t, "side", "requests", "req-3.json", map[string]any{
		"id":      "req-3",
		"type":    "run_task",
		"payload": map[string]any{"task_id": "task-2"},
	})

	waitFor(t, 2*time.Second, func() bool { return len(h.sched.snapshot()) == 1 })

	var resp map[string]any
	waitFor(t, 2*time.Second, func() bool {
		raw, err := os.ReadFile(filepath.Join(h.dataDir, "ipc", "side", "responses", "req-3.json"))
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, &resp) == nil
	})
	if resp["ok"] != true {
		t.Fatalf("expected ok response, got %v", resp)
	}
}

func TestRunTaskFromNonOwningGroupIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.CreateTask(ctx, store.ScheduledTask{
		ID: "task-3", GroupFolder: store.MainGroupFolder, ChatJID: "fake:1", Prompt: "p",
		ScheduleType: "interval", ScheduleValue: "1h",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.dropFile(t, "side", "requests", "req-4.json", map[string]any{
		"id":      "req-4",
		"type":    "run_task",
		"payload": map[string]any{"task_id": "task-3"},
	})

	var resp map[string]any
	waitFor(t, 2*time.Second, func() bool {
		raw, err := os.ReadFile(filepath.Join(h.dataDir, "ipc", "side", "responses", "req-4.json"))
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, &resp) == nil
	})
	if resp["ok"] != false {
		t.Fatalf("expected non-owning group's run_task to be rejected, got %v", resp)
	}
	if len(h.sched.snapshot()) != 0 {
		t.Fatal("scheduler should never have been invoked for an unauthorized run_task")
	}
}

func TestMemoryCRUDRoundTripsThroughFakeStore(t *testing.T) {
	h := newHarness(t)

	h.dropFile(t, "side", "requests", "req-5.json", map[string]any{
		"id": "req-5", "type": "memory_set",
		"payload": map[string]any{"key": "k1", "value": "v1"},
	})
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(h.dataDir, "ipc", "side", "responses", "req-5.json"))
		return err == nil
	})

	h.dropFile(t, "side", "requests", "req-6.json", map[string]any{
		"id": "req-6", "type": "memory_get",
		"payload": map[string]any{"key": "k1"},
	})

	var resp map[string]any
	waitFor(t, 2*time.Second, func() bool {
		raw, err := os.ReadFile(filepath.Join(h.dataDir, "ipc", "side", "responses", "req-6.json"))
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, &resp) == nil
	})
	result, _ := resp["result"].(map[string]any)
	if result == nil || result["value"] != "v1" {
		t.Fatalf("expected round-tripped memory value, got %v", resp)
	}
}

func TestSendMessageToOwnChatReachesProvider(t *testing.T) {
	h := newHarness(t)
	h.dropFile(t, "side", "messages", "001.json", map[string]any{
		"id":      "msg-1",
		"type":    "send_message",
		"payload": map[string]any{"text": "hello from side"},
	})

	waitFor(t, 2*time.Second, func() bool {
		sent, _, _ := h.provider.snapshot()
		return len(sent) == 1
	})
	sent, _, _ := h.provider.snapshot()
	if sent[0] != "hello from side" {
		t.Fatalf("unexpected sent text: %v", sent)
	}
}

func TestSendMessageToAnotherGroupsChatIsRejected(t *testing.T) {
	h := newHarness(t)
	h.dropFile(t, "side", "messages", "001.json", map[string]any{
		"id":   "msg-2",
		"type": "send_message",
		"payload": map[string]any{
			"chat_id": "fake:1", // belongs to main, not side
			"text":    "should not arrive",
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(h.dataDir, "ipc", "side", "messages", "001.json"))
		return os.IsNotExist(err)
	})
	sent, _, _ := h.provider.snapshot()
	if len(sent) != 0 {
		t.Fatalf("expected unauthorized send to be dropped, got %v", sent)
	}
}

func TestSetModelFromMainGroupAppliesOverride(t *testing.T) {
	h := newHarness(t)
	h.dropFile(t, store.MainGroupFolder, "tasks", "001.json", map[string]any{
		"id":   "req-7",
		"type": "set_model",
		"payload": map[string]any{
			"folder": "side",
			"model":  "gpt-test",
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		g, ok := h.groups.ByFolder("side")
		return ok && g.ModelOverride == "gpt-test"
	})
}
