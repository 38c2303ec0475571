package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotsetlabs/dotclaw/internal/router"
)

// ModelDef describes a model entry in the built-in models list.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels maps provider IDs to their built-in model lists.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-3-pro-preview", "Most capable, advanced reasoning"},
		{"gemini-3-flash-preview", "Balanced speed + frontier intelligence"},
		{"gemini-2.5-pro", "Strong reasoning, complex STEM tasks"},
		{"gemini-2.5-flash", "Fast, cost-effective"},
	},
	"anthropic": {
		{"claude-opus-4-6", "Most capable"},
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai": {
		{"o3", "Advanced reasoning"},
		{"gpt-4o", "Versatile, multimodal"},
		{"gpt-4o-mini", "Fast, cost-effective"},
	},
	"openrouter": {
		{"anthropic/claude-sonnet-4-5-20250929", "Claude Sonnet (via OpenRouter)"},
		{"openai/gpt-4o", "GPT-4o (via OpenRouter)"},
	},
}

// ProviderConfig holds per-LLM-provider settings.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LLMConfig selects the model used for every agent run hosted by this
// instance (DotClaw runs one agent identity across every chat/group, unlike
// a per-agent roster).
type LLMConfig struct {
	Provider string `yaml:"provider"` // "google", "anthropic", "openai", "openrouter"
	Model    string `yaml:"model"`

	FallbackProviders       []string `yaml:"fallback_providers"`
	FailoverThreshold       int      `yaml:"failover_threshold"`
	FailoverCooldownSeconds int      `yaml:"failover_cooldown_seconds"`
}

// TelegramConfig configures the Telegram provider.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// DiscordConfig configures the Discord provider.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ProvidersConfig lists every chat transport this instance connects to.
type ProvidersConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// RouterConfig is the yaml-serializable mirror of router.Config — kept as a
// separate type (rather than tagging router.Config directly) so the pure
// decision package stays free of a yaml dependency.
type RouterConfig struct {
	DeepKeywords                 []string `yaml:"deep_keywords"`
	FastMaxChars                 int      `yaml:"fast_max_chars"`
	BackgroundMinEstimateMinutes int      `yaml:"background_min_estimate_minutes"`
	StandardMaxToolSteps         int      `yaml:"standard_max_tool_steps"`
	DeepMaxToolSteps             int      `yaml:"deep_max_tool_steps"`
	FastMaxToolSteps             int      `yaml:"fast_max_tool_steps"`
	StandardRecallMaxResults     int      `yaml:"standard_recall_max_results"`
	DeepRecallMaxResults         int      `yaml:"deep_recall_max_results"`
	RecallMaxTokens              int      `yaml:"recall_max_tokens"`
	ResponseValidationMaxRetries int      `yaml:"response_validation_max_retries"`
	ProgressInitialMS            int64    `yaml:"progress_initial_ms"`
	ProgressIntervalMS           int64    `yaml:"progress_interval_ms"`
	ProgressMaxUpdates           int      `yaml:"progress_max_updates"`
}

// ToRouterConfig converts the yaml-facing RouterConfig into router.Config,
// filling any zero-valued field from router.DefaultConfig.
func (r RouterConfig) ToRouterConfig() router.Config {
	d := router.DefaultConfig()
	cfg := router.Config{
		DeepKeywords:                 r.DeepKeywords,
		FastMaxChars:                 r.FastMaxChars,
		BackgroundMinEstimateMinutes: r.BackgroundMinEstimateMinutes,
		StandardMaxToolSteps:         r.StandardMaxToolSteps,
		DeepMaxToolSteps:             r.DeepMaxToolSteps,
		FastMaxToolSteps:             r.FastMaxToolSteps,
		StandardRecallMaxResults:     r.StandardRecallMaxResults,
		DeepRecallMaxResults:         r.DeepRecallMaxResults,
		RecallMaxTokens:              r.RecallMaxTokens,
		ResponseValidationMaxRetries: r.ResponseValidationMaxRetries,
		ProgressInitialMS:            r.ProgressInitialMS,
		ProgressIntervalMS:           r.ProgressIntervalMS,
		ProgressMaxUpdates:           r.ProgressMaxUpdates,
	}
	if len(cfg.DeepKeywords) == 0 {
		cfg.DeepKeywords = d.DeepKeywords
	}
	if cfg.FastMaxChars == 0 {
		cfg.FastMaxChars = d.FastMaxChars
	}
	if cfg.BackgroundMinEstimateMinutes == 0 {
		cfg.BackgroundMinEstimateMinutes = d.BackgroundMinEstimateMinutes
	}
	if cfg.StandardMaxToolSteps == 0 {
		cfg.StandardMaxToolSteps = d.StandardMaxToolSteps
	}
	if cfg.DeepMaxToolSteps == 0 {
		cfg.DeepMaxToolSteps = d.DeepMaxToolSteps
	}
	if cfg.FastMaxToolSteps == 0 {
		cfg.FastMaxToolSteps = d.FastMaxToolSteps
	}
	if cfg.StandardRecallMaxResults == 0 {
		cfg.StandardRecallMaxResults = d.StandardRecallMaxResults
	}
	if cfg.DeepRecallMaxResults == 0 {
		cfg.DeepRecallMaxResults = d.DeepRecallMaxResults
	}
	if cfg.RecallMaxTokens == 0 {
		cfg.RecallMaxTokens = d.RecallMaxTokens
	}
	if cfg.ResponseValidationMaxRetries == 0 {
		cfg.ResponseValidationMaxRetries = d.ResponseValidationMaxRetries
	}
	if cfg.ProgressInitialMS == 0 {
		cfg.ProgressInitialMS = d.ProgressInitialMS
	}
	if cfg.ProgressIntervalMS == 0 {
		cfg.ProgressIntervalMS = d.ProgressIntervalMS
	}
	if cfg.ProgressMaxUpdates == 0 {
		cfg.ProgressMaxUpdates = d.ProgressMaxUpdates
	}
	return cfg
}

// SandboxConfig controls the Docker container each group's agent runs
// execute in.
type SandboxConfig struct {
	Image     string `yaml:"image"`
	MemoryMB  int64  `yaml:"memory_mb"`
	Network   string `yaml:"network"` // "none", "bridge"
	WarmStart bool   `yaml:"warm_start"`
}

// HookConfig names a script or wasm module run against one or more hook
// events (message.received, task.completed, job.completed, ...).
type HookConfig struct {
	Name    string   `yaml:"name"`
	Events  []string `yaml:"events"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Mode    string   `yaml:"mode,omitempty"`    // "async" (default) | "blocking"
	Wasm    string   `yaml:"wasm,omitempty"`    // reserved for a future wazero-backed hook path
	Timeout string   `yaml:"timeout,omitempty"` // e.g. "10s"
	Enabled bool     `yaml:"enabled"`
}

// TelemetryConfig controls OpenTelemetry tracing/metrics export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the full typed configuration for a DotClaw instance, loaded
// once at startup from config.yaml plus environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	DataDir   string `yaml:"data_dir"`   // DATA_DIR: store/, ipc/, logs/
	GroupsDir string `yaml:"groups_dir"` // GROUPS_DIR: <group>/{logs,inbox}
	TraceDir  string `yaml:"trace_dir"`  // TRACE_DIR: trace-YYYY-MM-DD.jsonl

	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	Providers ProvidersConfig `yaml:"providers"`
	Router    RouterConfig    `yaml:"router"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Hooks     []HookConfig    `yaml:"hooks"`

	// APIKeys holds keys for ancillary tools (search, etc). Env vars
	// override: BRAVE_API_KEY → api_keys["brave_search"].
	APIKeys map[string]string `yaml:"api_keys"`

	// LLMProviders holds per-provider API key/endpoint overrides.
	LLMProviders map[string]ProviderConfig `yaml:"llm_providers"`

	AgentName  string `yaml:"agent_name"`
	AgentEmoji string `yaml:"agent_emoji"`

	SOUL string `yaml:"-"`

	// MaxQueueDepth bounds pending messages per chat before backpressure.
	// 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds how long the lifecycle supervisor waits
	// for in-flight per-chat drains during shutdown before aborting them.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// WakeCheckIntervalSeconds / WakeThresholdSeconds / WakeGraceWindowSeconds
	// tune the wake detector's clock-drift ticker and recovery suppression.
	WakeCheckIntervalSeconds int `yaml:"wake_check_interval_seconds"`
	WakeThresholdSeconds     int `yaml:"wake_threshold_seconds"`
	WakeGraceWindowSeconds   int `yaml:"wake_grace_window_seconds"`

	SchedulerPollIntervalSeconds int `yaml:"scheduler_poll_interval_seconds"`
	SchedulerClaimLimit          int `yaml:"scheduler_claim_limit"`
	TaskTimeoutSeconds           int `yaml:"task_timeout_seconds"`
	TaskMaxRetries               int `yaml:"task_max_retries"`

	JobWorkers             int `yaml:"job_workers"`
	JobPollIntervalSeconds int `yaml:"job_poll_interval_seconds"`
	JobLeaseTTLSeconds     int `yaml:"job_lease_ttl_seconds"`

	IPCPollIntervalSeconds int `yaml:"ipc_poll_interval_seconds"`

	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays   int `yaml:"retention_messages_days"`

	// MaintenanceIntervalSeconds sets how often the background maintenance
	// sweep (stalled-row recovery plus retention trimming) runs after the
	// one it always does once at startup.
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`

	RateLimitMaxPerWindow  int `yaml:"rate_limit_max_per_window"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`

	// BatchWindowMS is the debounce slack: consecutive queued messages for
	// one chat are folded into a single agent run as long as each arrives
	// within BatchWindowMS of the oldest still-pending message.
	BatchWindowMS int64 `yaml:"batch_window_ms"`
	// MaxBatchSize caps how many queued messages a single drain folds into
	// one agent run, regardless of how tight the batch window is.
	MaxBatchSize int `yaml:"max_batch_size"`

	NeedsGenesis bool `yaml:"-"`
}

// APIKey returns the value for the named ancillary tool key, checking env
// overrides first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search":      "BRAVE_API_KEY",
		"perplexity_search": "PERPLEXITY_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// LLMProviderAPIKey returns the API key for the named LLM provider, with
// env vars taking precedence over config.yaml.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.LLMProviders != nil {
		if p, ok := c.LLMProviders[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the active LLM provider and model in config.yaml,
// preserving every other setting.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	llm["provider"] = provider
	llm["model"] = model
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// SetAPIKey updates a single ancillary-tool API key in config.yaml,
// preserving every other setting.
func SetAPIKey(homeDir, name, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	apiKeys, _ := raw["api_keys"].(map[string]interface{})
	if apiKeys == nil {
		apiKeys = make(map[string]interface{})
	}
	apiKeys[name] = value
	raw["api_keys"] = apiKeys
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, used to detect
// drift between a running instance and the file on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|llm=%s/%s|data=%s|groups=%s",
		c.LogLevel, c.LLM.Provider, c.LLM.Model, c.DataDir, c.GroupsDir)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:                     "info",
		LLM:                          LLMConfig{Provider: "anthropic", FailoverThreshold: 5, FailoverCooldownSeconds: 300},
		MaxQueueDepth:                100,
		DrainTimeoutSeconds:          30,
		WakeCheckIntervalSeconds:     30,
		WakeThresholdSeconds:         60,
		WakeGraceWindowSeconds:       60,
		SchedulerPollIntervalSeconds: 30,
		SchedulerClaimLimit:          10,
		TaskTimeoutSeconds:           600,
		TaskMaxRetries:               3,
		JobWorkers:                   4,
		JobPollIntervalSeconds:       5,
		JobLeaseTTLSeconds:           120,
		IPCPollIntervalSeconds:       2,
		RetentionTaskEventsDays:      90,
		RetentionAuditLogDays:        365,
		RetentionMessagesDays:        90,
		MaintenanceIntervalSeconds:   3600,
		RateLimitMaxPerWindow:        20,
		RateLimitWindowSeconds:       60,
		BatchWindowMS:                5000,
		MaxBatchSize:                 20,
		Sandbox: SandboxConfig{
			Image:    "dotclaw/agent-runtime:latest",
			MemoryMB: 512,
			Network:  "none",
		},
		Telemetry: TelemetryConfig{ServiceName: "dotclaw"},
	}
}

// HomeDir returns the instance's home directory: DOTCLAW_HOME, or
// ~/.dotclaw.
func HomeDir() string {
	if override := os.Getenv("DOTCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dotclaw")
}

// Load reads config.yaml from HomeDir, applies environment overrides,
// text-file includes, and defaults, and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dotclaw home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		if models, ok := BuiltinModels[cfg.LLM.Provider]; ok && len(models) > 0 {
			cfg.LLM.Model = models[0].ID
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.GroupsDir == "" {
		cfg.GroupsDir = filepath.Join(cfg.HomeDir, "groups")
	}
	if cfg.TraceDir == "" {
		cfg.TraceDir = filepath.Join(cfg.HomeDir, "trace")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.WakeCheckIntervalSeconds <= 0 {
		cfg.WakeCheckIntervalSeconds = 30
	}
	if cfg.WakeThresholdSeconds <= 0 {
		cfg.WakeThresholdSeconds = 2 * cfg.WakeCheckIntervalSeconds
	}
	if cfg.WakeGraceWindowSeconds <= 0 {
		cfg.WakeGraceWindowSeconds = 60
	}
	if cfg.SchedulerPollIntervalSeconds <= 0 {
		cfg.SchedulerPollIntervalSeconds = 30
	}
	if cfg.SchedulerClaimLimit <= 0 {
		cfg.SchedulerClaimLimit = 10
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 600
	}
	if cfg.TaskMaxRetries <= 0 {
		cfg.TaskMaxRetries = 3
	}
	if cfg.JobWorkers <= 0 {
		cfg.JobWorkers = 4
	}
	if cfg.JobPollIntervalSeconds <= 0 {
		cfg.JobPollIntervalSeconds = 5
	}
	if cfg.JobLeaseTTLSeconds <= 0 {
		cfg.JobLeaseTTLSeconds = 120
	}
	if cfg.IPCPollIntervalSeconds <= 0 {
		cfg.IPCPollIntervalSeconds = 2
	}
	if cfg.MaintenanceIntervalSeconds <= 0 {
		cfg.MaintenanceIntervalSeconds = 3600
	}
	if cfg.RateLimitMaxPerWindow <= 0 {
		cfg.RateLimitMaxPerWindow = 20
	}
	if cfg.RateLimitWindowSeconds <= 0 {
		cfg.RateLimitWindowSeconds = 60
	}
	if cfg.BatchWindowMS <= 0 {
		cfg.BatchWindowMS = 5000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if strings.TrimSpace(cfg.Sandbox.Image) == "" {
		cfg.Sandbox.Image = "dotclaw/agent-runtime:latest"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DOTCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DOTCLAW_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("DOTCLAW_GROUPS_DIR"); raw != "" {
		cfg.GroupsDir = raw
	}
	if raw := os.Getenv("DOTCLAW_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DOTCLAW_AGENT_NAME"); raw != "" {
		cfg.AgentName = raw
	}
	if raw := os.Getenv("DOTCLAW_AGENT_EMOJI"); raw != "" {
		cfg.AgentEmoji = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		if cfg.LLMProviders == nil {
			cfg.LLMProviders = make(map[string]ProviderConfig)
		}
		p := cfg.LLMProviders["anthropic"]
		p.APIKey = raw
		cfg.LLMProviders["anthropic"] = p
	}
	if raw := os.Getenv("GOOGLE_API_KEY"); raw != "" {
		if cfg.LLMProviders == nil {
			cfg.LLMProviders = make(map[string]ProviderConfig)
		}
		p := cfg.LLMProviders["google"]
		p.APIKey = raw
		cfg.LLMProviders["google"] = p
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		if cfg.LLMProviders == nil {
			cfg.LLMProviders = make(map[string]ProviderConfig)
		}
		p := cfg.LLMProviders["openai"]
		p.APIKey = raw
		cfg.LLMProviders["openai"] = p
	}
	if raw := os.Getenv("BRAVE_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["brave_search"] = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Providers.Telegram.Token = raw
		cfg.Providers.Telegram.Enabled = true
	}
	if raw := os.Getenv("DISCORD_TOKEN"); raw != "" {
		cfg.Providers.Discord.Token = raw
		cfg.Providers.Discord.Enabled = true
	}
}

func loadTextFiles(cfg *Config) {
	soulPath := filepath.Join(cfg.HomeDir, "SOUL.md")
	if b, err := os.ReadFile(soulPath); err == nil {
		cfg.SOUL = string(b)
	}
}

// Duration helpers convert the flat int-seconds yaml fields into the
// time.Duration each collaborator's Config actually wants.

func (c Config) DrainTimeout() time.Duration { return time.Duration(c.DrainTimeoutSeconds) * time.Second }
func (c Config) WakeCheckInterval() time.Duration {
	return time.Duration(c.WakeCheckIntervalSeconds) * time.Second
}
func (c Config) WakeThreshold() time.Duration {
	return time.Duration(c.WakeThresholdSeconds) * time.Second
}
func (c Config) WakeGraceWindow() time.Duration {
	return time.Duration(c.WakeGraceWindowSeconds) * time.Second
}
func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalSeconds) * time.Second
}
func (c Config) TaskTimeout() time.Duration { return time.Duration(c.TaskTimeoutSeconds) * time.Second }
func (c Config) JobPollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalSeconds) * time.Second
}
func (c Config) JobLeaseTTL() time.Duration { return time.Duration(c.JobLeaseTTLSeconds) * time.Second }
func (c Config) IPCPollInterval() time.Duration {
	return time.Duration(c.IPCPollIntervalSeconds) * time.Second
}
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
func (c Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}
func (c Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

// MaintenanceRetention is how far back append-only history (job events,
// trace links, feedback) is kept before a maintenance sweep trims it.
// Reuses RetentionTaskEventsDays since all three tables share the same
// "operationally interesting for a while, then noise" lifecycle.
func (c Config) MaintenanceRetention() time.Duration {
	return time.Duration(c.RetentionTaskEventsDays) * 24 * time.Hour
}
