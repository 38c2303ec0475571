package supervisor_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/ipcbus"
	"github.com/dotsetlabs/dotclaw/internal/jobs"
	"github.com/dotsetlabs/dotclaw/internal/pipeline"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/ratelimit"
	"github.com/dotsetlabs/dotclaw/internal/scheduler"
	"github.com/dotsetlabs/dotclaw/internal/store"
	"github.com/dotsetlabs/dotclaw/internal/supervisor"
	"github.com/dotsetlabs/dotclaw/internal/wake"
)

type fakeProvider struct {
	mu               sync.Mutex
	startCalls       int
	stopCalls        int
}

func (p *fakeProvider) Name() string                        { return "fake" }
func (p *fakeProvider) Capabilities() providers.Capabilities { return providers.Capabilities{} }
func (p *fakeProvider) IsConnected() bool                    { return true }
func (p *fakeProvider) Start(ctx context.Context, h providers.Handlers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	return nil
}
func (p *fakeProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return nil
}
func (p *fakeProvider) SendMessage(ctx context.Context, chatID, text string, opts providers.SendOptions) (providers.SendResult, error) {
	return providers.SendResult{Success: true}, nil
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
	return providers.SendResult{Success: true}, nil
}
func (p *fakeProvider) DeleteMessage(ctx context.Context, chatID, messageID string) error { return nil }
func (p *fakeProvider) DownloadFile(ctx context.Context, providerRef, groupFolder, filename string) (providers.DownloadResult, error) {
	return providers.DownloadResult{}, nil
}
func (p *fakeProvider) IsBotMentioned(msg providers.IncomingMessage) bool { return false }
func (p *fakeProvider) IsBotReplied(msg providers.IncomingMessage) bool  { return false }
func (p *fakeProvider) BotUsername() string                             { return "fakebot" }

var _ providers.Provider = (*fakeProvider)(nil)

type fakeRunner struct{}

func (fakeRunner) Execute(ctx context.Context, spec agentrunner.Spec) (agentrunner.Result, error) {
	return agentrunner.Result{}, nil
}

type fakeContainers struct {
	mu          sync.Mutex
	warmStarted []string
	closed      bool
}

func (f *fakeContainers) WarmStart(ctx context.Context, groupFolders []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmStarted = append(f.warmStarted, groupFolders...)
}
func (f *fakeContainers) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dotclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestStartThenShutdownRunsEveryComponentInOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t.Cleanup(func() { _ = s.Close() })

	g := groups.New(s)
	reg := providers.NewRegistry()
	fp := &fakeProvider{}
	reg.Add(fp)

	p := pipeline.New(pipeline.Config{
		Store:   s,
		Bus:     bus.New(),
		Limiter: ratelimit.New(100, time.Minute, nil),
		Groups:  g,
		Runner:  fakeRunner{},
	})

	sched := scheduler.New(scheduler.Config{Store: s, Bus: bus.New(), Runner: fakeRunner{}, PollInterval: time.Hour})
	pool := jobs.New(jobs.Config{Store: s, Bus: bus.New(), Runner: fakeRunner{}, PollInterval: time.Hour})
	ib := ipcbus.New(ipcbus.Config{DataDir: t.TempDir(), Store: s, Groups: g, Providers: reg, Scheduler: sched, PollInterval: time.Hour})
	wd := wake.New(wake.Config{Store: s, Providers: reg, Pipeline: p, CheckInterval: time.Hour})
	fc := &fakeContainers{}

	sup := supervisor.New(supervisor.Config{
		Store: s, Groups: g, Providers: reg, Pipeline: p,
		Scheduler: sched, Jobs: pool, IPCBus: ib, Wake: wd,
		Containers: fc, WarmStartGroups: []string{store.MainGroupFolder},
		DrainTimeout: 200 * time.Millisecond,
	})

	if sup.Accepting() {
		t.Fatal("should not be accepting before Start")
	}
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sup.Accepting() {
		t.Fatal("expected accepting=true after Start")
	}
	if err := sup.Start(ctx); err == nil {
		t.Fatal("expected second Start to be rejected")
	}

	fp.mu.Lock()
	if fp.startCalls != 1 {
		t.Fatalf("expected provider started exactly once, got %d", fp.startCalls)
	}
	fp.mu.Unlock()

	fc.mu.Lock()
	if len(fc.warmStarted) != 1 || fc.warmStarted[0] != store.MainGroupFolder {
		t.Fatalf("expected warm-start for main group, got %v", fc.warmStarted)
	}
	fc.mu.Unlock()

	sup.Shutdown(ctx)

	if sup.Accepting() {
		t.Fatal("expected accepting=false after Shutdown")
	}
	fp.mu.Lock()
	if fp.stopCalls != 1 {
		t.Fatalf("expected provider stopped exactly once, got %d", fp.stopCalls)
	}
	fp.mu.Unlock()
	fc.mu.Lock()
	if !fc.closed {
		t.Fatal("expected container runner to be closed on shutdown")
	}
	fc.mu.Unlock()

	// Shutdown already closed the Store; a second Close from t.Cleanup
	// must be a harmless no-op (sql.DB.Close is idempotent).
}
