package groups_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

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

func TestRegistryLoadHydratesFromStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Main", Folder: store.MainGroupFolder}); err != nil {
		t.Fatalf("register group: %v", err)
	}
	if err := s.SetSession(ctx, store.MainGroupFolder, "sess-1"); err != nil {
		t.Fatalf("set session: %v", err)
	}

	reg := groups.New(s)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	g, ok := reg.ByChat("c1")
	if !ok || g.Folder != store.MainGroupFolder {
		t.Fatalf("expected hydrated group, got %#v ok=%v", g, ok)
	}
	if reg.Session(store.MainGroupFolder) != "sess-1" {
		t.Fatalf("expected hydrated session, got %q", reg.Session(store.MainGroupFolder))
	}
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := groups.New(s)

	if err := reg.Register(ctx, store.RegisteredGroup{ChatID: "c2", Name: "Side", Folder: "side"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := reg.ByFolder("side"); !ok {
		t.Fatal("expected group cached after register")
	}

	if err := reg.Unregister(ctx, "c2"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := reg.ByFolder("side"); ok {
		t.Fatal("expected group removed from cache after unregister")
	}
}

func TestRegistryUnregisterProtectsMainGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := groups.New(s)

	if err := reg.Register(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Main", Folder: store.MainGroupFolder}); err != nil {
		t.Fatalf("register main: %v", err)
	}
	if err := reg.Unregister(ctx, "c1"); err != store.ErrMainGroupProtected {
		t.Fatalf("expected ErrMainGroupProtected, got %v", err)
	}
}

func TestRegistrySessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := groups.New(s)

	if err := reg.SetSession(ctx, "side", "sess-x"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if reg.Session("side") != "sess-x" {
		t.Fatalf("expected sess-x, got %q", reg.Session("side"))
	}
	if err := reg.ClearSession(ctx, "side"); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if reg.Session("side") != "" {
		t.Fatalf("expected empty session after clear, got %q", reg.Session("side"))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := groups.New(s)
	if err := reg.Register(ctx, store.RegisteredGroup{ChatID: "c1", Name: "Main", Folder: store.MainGroupFolder}); err != nil {
		t.Fatalf("register: %v", err)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 group in snapshot, got %d", len(snap))
	}
	snap[0].Name = "mutated"
	g, _ := reg.ByChat("c1")
	if g.Name == "mutated" {
		t.Fatal("expected snapshot mutation not to affect registry state")
	}
}
