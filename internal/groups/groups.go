// Package groups holds the process-local registered-groups and sessions
// caches: read-many/write-rare state, mutated only by the lifecycle
// supervisor, admin commands, and the IPC bus's register_group/remove_group
// operations. Modeled on internal/agent.Registry mutex-protected-map
// pattern, backed by internal/store for durability instead of an
// in-memory-only cache.
package groups

import (
	"context"
	"fmt"
	"sync"

	"github.com/dotsetlabs/dotclaw/internal/store"
)

// Registry is the in-process cache of registered groups and their sessions,
// kept consistent with the Store.
type Registry struct {
	mu       sync.RWMutex
	store    *store.Store
	byChat   map[string]store.RegisteredGroup
	byFolder map[string]store.RegisteredGroup
	sessions map[string]string // group_folder -> session_id
}

// New constructs an empty Registry. Call Load to hydrate it from the Store
// at startup.
func New(s *store.Store) *Registry {
	return &Registry{
		store:    s,
		byChat:   make(map[string]store.RegisteredGroup),
		byFolder: make(map[string]store.RegisteredGroup),
		sessions: make(map[string]string),
	}
}

// Load hydrates the registry from the Store. Call once at startup before any
// provider receivers or the IPC bus start.
func (r *Registry) Load(ctx context.Context) error {
	gs, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("load registered groups: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChat = make(map[string]store.RegisteredGroup, len(gs))
	r.byFolder = make(map[string]store.RegisteredGroup, len(gs))
	for _, g := range gs {
		r.byChat[g.ChatID] = g
		r.byFolder[g.Folder] = g
		sid, err := r.store.GetSession(ctx, g.Folder)
		if err != nil {
			return fmt.Errorf("load session for group %s: %w", g.Folder, err)
		}
		if sid != "" {
			r.sessions[g.Folder] = sid
		}
	}
	return nil
}

// Register persists a new group and admits it into the in-process cache.
func (r *Registry) Register(ctx context.Context, g store.RegisteredGroup) error {
	if err := r.store.RegisterGroup(ctx, g); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChat[g.ChatID] = g
	r.byFolder[g.Folder] = g
	return nil
}

// Unregister removes a group from the Store and the in-process cache. The
// main group can never be removed (store.ErrMainGroupProtected).
func (r *Registry) Unregister(ctx context.Context, chatID string) error {
	r.mu.RLock()
	g, ok := r.byChat[chatID]
	r.mu.RUnlock()

	if err := r.store.UnregisterGroup(ctx, chatID); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byChat, chatID)
	delete(r.byFolder, g.Folder)
	delete(r.sessions, g.Folder)
	return nil
}

// ByChat returns a snapshot copy of the group registered for chatID, or
// (zero, false) if none.
func (r *Registry) ByChat(chatID string) (store.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byChat[chatID]
	return g, ok
}

// ByFolder returns a snapshot copy of the group with the given folder, or
// (zero, false) if none.
func (r *Registry) ByFolder(folder string) (store.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byFolder[folder]
	return g, ok
}

// Snapshot returns a copy of every registered group, safe for the caller to
// range over without holding any lock.
func (r *Registry) Snapshot() []store.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.RegisteredGroup, 0, len(r.byChat))
	for _, g := range r.byChat {
		out = append(out, g)
	}
	return out
}

// Session returns the cached session id for a group folder, or "" if none.
func (r *Registry) Session(groupFolder string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[groupFolder]
}

// SetSession persists and caches a new session id for a group folder.
func (r *Registry) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	if err := r.store.SetSession(ctx, groupFolder, sessionID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[groupFolder] = sessionID
	return nil
}

// ClearSession drops the persisted and cached session for a group folder,
// forcing the next scheduled/recurring run to start fresh.
func (r *Registry) ClearSession(ctx context.Context, groupFolder string) error {
	if err := r.store.ClearSession(ctx, groupFolder); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, groupFolder)
	return nil
}

// SetModelOverride persists a per-group model override and updates the
// cached copy, so the next RouteRequest for this group's chat picks it up
// without a reload.
func (r *Registry) SetModelOverride(ctx context.Context, folder, model string) error {
	if err := r.store.SetGroupModelOverride(ctx, folder, model); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byFolder[folder]
	if !ok {
		return nil
	}
	g.ModelOverride = model
	r.byFolder[folder] = g
	r.byChat[g.ChatID] = g
	return nil
}

// IsMainGroup reports whether folder is the fixed administrative group.
func IsMainGroup(folder string) bool {
	return folder == store.MainGroupFolder
}
