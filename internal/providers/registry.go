package providers

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds active Providers and resolves a prefixed chat identifier
// (e.g. "telegram:123") to its owning Provider. Grounded on the same
// mutex-protected-map idiom used throughout the pack for process-local
// shared state.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Add registers a Provider under its Name.
func (r *Registry) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named Provider, or (nil, false) if none is registered.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns every registered Provider.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Resolve splits a prefixed chat id ("telegram:123") and returns the
// owning Provider plus the provider-local chat id ("123").
func (r *Registry) Resolve(chatID string) (Provider, string, error) {
	name, localID, ok := SplitChatID(chatID)
	if !ok {
		return nil, "", fmt.Errorf("providers: malformed chat id %q", chatID)
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("providers: no provider registered for %q", name)
	}
	return p, localID, nil
}

// SplitChatID splits a prefixed chat id into its provider name and
// provider-local id.
func SplitChatID(chatID string) (provider, localID string, ok bool) {
	idx := strings.IndexByte(chatID, ':')
	if idx <= 0 || idx == len(chatID)-1 {
		return "", "", false
	}
	return chatID[:idx], chatID[idx+1:], true
}

// PrefixChatID joins a provider name and provider-local id into the
// prefixed chat id form the core stores and routes on.
func PrefixChatID(provider, localID string) string {
	return provider + ":" + localID
}
