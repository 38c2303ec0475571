package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/config"
)

func writeHome(t *testing.T, yaml string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".dotclaw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	return ic
}

func TestLoad_FromDotclawHome(t *testing.T) {
	ic := writeHome(t, "log_level: debug\n")
	if err := os.WriteFile(filepath.Join(ic, "SOUL.md"), []byte("soul"), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	if cfg.SOUL != "soul" {
		t.Fatalf("unexpected soul contents: %q", cfg.SOUL)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	writeHome(t, "{}\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected default llm.provider=anthropic, got %q", cfg.LLM.Provider)
	}
	expectedDefault := config.BuiltinModels["anthropic"][0].ID
	if cfg.LLM.Model != expectedDefault {
		t.Fatalf("expected default llm.model=%s, got %q", expectedDefault, cfg.LLM.Model)
	}
	if cfg.DrainTimeoutSeconds != 30 {
		t.Fatalf("expected default drain_timeout_seconds=30, got %d", cfg.DrainTimeoutSeconds)
	}
	if cfg.WakeThresholdSeconds != 2*cfg.WakeCheckIntervalSeconds {
		t.Fatalf("expected wake threshold = 2x check interval by default, got %d vs %d",
			cfg.WakeThresholdSeconds, cfg.WakeCheckIntervalSeconds)
	}
	if cfg.DataDir == "" || cfg.GroupsDir == "" || cfg.TraceDir == "" {
		t.Fatalf("expected DataDir/GroupsDir/TraceDir to default under HomeDir, got %+v", cfg)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeHome(t, "log_level: info\n")
	t.Setenv("DOTCLAW_LOG_LEVEL", "warn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env override log_level=warn got %q", cfg.LogLevel)
	}
}

func TestLoad_TelegramTokenEnvOverride(t *testing.T) {
	writeHome(t, "{}\n")
	t.Setenv("TELEGRAM_TOKEN", "tg-from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Telegram.Token != "tg-from-env" {
		t.Fatalf("expected telegram token from env, got %q", cfg.Providers.Telegram.Token)
	}
	if !cfg.Providers.Telegram.Enabled {
		t.Fatalf("expected env-supplied telegram token to enable the provider")
	}
}

func TestAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{
		APIKeys: map[string]string{"brave_search": "yaml-key"},
	}
	if got := cfg.APIKey("brave_search"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}

	t.Setenv("BRAVE_API_KEY", "env-key")
	if got := cfg.APIKey("brave_search"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}

func TestAPIKey_Empty(t *testing.T) {
	cfg := config.Config{}
	if got := cfg.APIKey("brave_search"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := cfg.APIKey("nonexistent"); got != "" {
		t.Fatalf("expected empty for unknown key, got %q", got)
	}
}

func TestSetModel_WritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetModel(homeDir, "openai", "gpt-4o"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}

	t.Setenv("DOTCLAW_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("expected llm.provider=openai llm.model=gpt-4o, got %+v", cfg.LLM)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log_level=info preserved, got %q", cfg.LogLevel)
	}
}

func TestSetAPIKey_CreatesNewConfig(t *testing.T) {
	homeDir := t.TempDir()
	if err := config.SetAPIKey(homeDir, "brave_search", "new-key"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	data, err := os.ReadFile(config.ConfigPath(homeDir))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "brave_search") {
		t.Fatalf("expected brave_search in config, got: %s", string(data))
	}
}

func TestLoad_APIKeysFromYAML(t *testing.T) {
	writeHome(t, "api_keys:\n  brave_search: yaml-brave-key\n  other_key: other-value\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKeys["brave_search"] != "yaml-brave-key" {
		t.Fatalf("expected brave_search=yaml-brave-key, got %q", cfg.APIKeys["brave_search"])
	}
	if cfg.APIKeys["other_key"] != "other-value" {
		t.Fatalf("expected other_key=other-value, got %q", cfg.APIKeys["other_key"])
	}
}

func TestLLMProviderAPIKey_EnvBeatsYAML(t *testing.T) {
	cfg := config.Config{
		LLMProviders: map[string]config.ProviderConfig{"anthropic": {APIKey: "yaml-key"}},
	}
	if got := cfg.LLMProviderAPIKey("anthropic"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.LLMProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}

func TestRouterConfig_ToRouterConfigFillsDefaults(t *testing.T) {
	var rc config.RouterConfig
	rc.FastMaxChars = 40 // one override, everything else should fall back to defaults

	got := rc.ToRouterConfig()
	def := config.RouterConfig{}.ToRouterConfig()
	if got.FastMaxChars != 40 {
		t.Fatalf("expected override to survive, got %d", got.FastMaxChars)
	}
	if got.DeepMaxToolSteps != def.DeepMaxToolSteps {
		t.Fatalf("expected untouched field to take the package default, got %d want %d",
			got.DeepMaxToolSteps, def.DeepMaxToolSteps)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Config{
		DrainTimeoutSeconds:     30,
		WakeCheckIntervalSeconds: 15,
	}
	if cfg.DrainTimeout().Seconds() != 30 {
		t.Fatalf("expected 30s drain timeout, got %v", cfg.DrainTimeout())
	}
	if cfg.WakeCheckInterval().Seconds() != 15 {
		t.Fatalf("expected 15s wake check interval, got %v", cfg.WakeCheckInterval())
	}
}
