package providers_test

import (
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/providers"
)

var _ providers.Provider = (*providers.TelegramProvider)(nil)
var _ providers.Provider = (*providers.DiscordProvider)(nil)

func TestTelegramProviderName(t *testing.T) {
	p := providers.NewTelegramProvider("fake-token", nil, nil)
	if got := p.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want telegram", got)
	}
	if p.IsConnected() {
		t.Fatal("expected not connected before Start")
	}
}

func TestDiscordProviderName(t *testing.T) {
	p := providers.NewDiscordProvider("fake-token", nil)
	if got := p.Name(); got != "discord" {
		t.Fatalf("Name() = %q, want discord", got)
	}
}

func TestSplitAndPrefixChatID(t *testing.T) {
	name, local, ok := providers.SplitChatID("telegram:12345")
	if !ok || name != "telegram" || local != "12345" {
		t.Fatalf("SplitChatID returned (%q, %q, %v)", name, local, ok)
	}
	if _, _, ok := providers.SplitChatID("malformed"); ok {
		t.Fatal("expected malformed chat id to fail split")
	}
	if got := providers.PrefixChatID("discord", "99"); got != "discord:99" {
		t.Fatalf("PrefixChatID = %q", got)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := providers.NewRegistry()
	tg := providers.NewTelegramProvider("x", nil, nil)
	reg.Add(tg)

	p, local, err := reg.Resolve("telegram:42")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name() != "telegram" || local != "42" {
		t.Fatalf("unexpected resolve result: %v %q", p.Name(), local)
	}

	if _, _, err := reg.Resolve("discord:1"); err == nil {
		t.Fatal("expected error resolving unregistered provider")
	}
}

func TestCallbackCachePutGetIsOneShot(t *testing.T) {
	c := providers.NewCallbackCache(0)
	token := c.Put("payload-value")

	v, ok := c.Get(token)
	if !ok || v != "payload-value" {
		t.Fatalf("expected payload round-trip, got %v ok=%v", v, ok)
	}
	if _, ok := c.Get(token); ok {
		t.Fatal("expected token to be consumed after first Get")
	}
}
