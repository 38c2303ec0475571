// Package router implements RouteRequest: a pure, deterministic
// classifier over a candidate prompt that decides which execution profile an
// agent run gets. It performs no I/O; tie-break thresholds live in Config
// and are tunable without touching the decision tree itself.
package router

import (
	"strings"
)

// Profile names an execution tier.
type Profile string

const (
	ProfileFast     Profile = "fast"
	ProfileStandard Profile = "standard"
	ProfileDeep     Profile = "deep"
)

// ProgressConfig controls "still working" progress pings during long runs.
type ProgressConfig struct {
	Enabled    bool
	InitialMS  int64
	IntervalMS int64
	MaxUpdates int
	Messages   []string
}

// Decision is the full routing outcome for one request.
type Decision struct {
	Profile                      Profile
	Reason                       string
	ShouldBackground             bool
	EstimatedMinutes             int
	ModelOverride                string
	MaxOutputTokens              int
	MaxToolSteps                 int
	ToolAllow                    []string
	ToolDeny                     []string
	EnablePlanner                bool
	EnableResponseValidation     bool
	ResponseValidationMaxRetries int
	EnableMemoryRecall           bool
	RecallMaxResults             int
	RecallMaxTokens              int
	EnableMemoryExtraction       bool
	Progress                     ProgressConfig
	ShouldRunClassifier          bool
}

// Config holds the tunable thresholds and per-profile defaults, kept
// separate from the decision tree so retuning never means editing logic.
type Config struct {
	// DeepKeywords trigger profile=deep when present in the prompt.
	DeepKeywords []string
	// FastMaxChars: prompts at or under this length with no deep keyword and
	// no question-like structure route to "fast".
	FastMaxChars int
	// BackgroundMinEstimateMinutes: deep-profile prompts estimated at or
	// above this duration pre-emptively background themselves.
	BackgroundMinEstimateMinutes int

	StandardMaxToolSteps int
	DeepMaxToolSteps     int
	FastMaxToolSteps     int

	StandardRecallMaxResults int
	DeepRecallMaxResults     int
	RecallMaxTokens          int

	ResponseValidationMaxRetries int
	ProgressInitialMS            int64
	ProgressIntervalMS           int64
	ProgressMaxUpdates           int
}

// DefaultConfig mirrors a conservative, documented default table rather
// than magic numbers spread through the decision tree.
func DefaultConfig() Config {
	return Config{
		DeepKeywords: []string{
			"rewrite", "refactor", "migrate", "audit", "entire", "comprehensive",
			"research", "investigate", "analyze the", "design a",
		},
		FastMaxChars:                 60,
		BackgroundMinEstimateMinutes: 5,
		StandardMaxToolSteps:         12,
		DeepMaxToolSteps:             40,
		FastMaxToolSteps:             4,
		StandardRecallMaxResults:     8,
		DeepRecallMaxResults:         20,
		RecallMaxTokens:              4000,
		ResponseValidationMaxRetries: 2,
		ProgressInitialMS:            15_000,
		ProgressIntervalMS:           20_000,
		ProgressMaxUpdates:           5,
	}
}

// LastMessage carries optional metadata about the triggering message used to
// refine the routing decision (e.g. an explicit cancel-adjacent phrase, or a
// reply-to-agent-message context).
type LastMessage struct {
	IsReplyToAgent bool
	AttachmentsN   int
}

// Context carries optional caller-supplied hints (group policy overrides,
// whether the request originated from a scheduled task, etc).
type Context struct {
	ScheduledTaskProfile Profile // non-empty pins the profile for scheduled tasks
	ModelOverride        string
	ToolAllow            []string
	ToolDeny             []string
}

// RouteRequest is a pure function of its inputs and cfg.
func RouteRequest(cfg Config, prompt string, last *LastMessage, ctx *Context) Decision {
	if ctx != nil && ctx.ScheduledTaskProfile != "" {
		d := decisionForProfile(cfg, ctx.ScheduledTaskProfile, "scheduled task profile pinned by config")
		applyContextOverrides(&d, ctx)
		return d
	}

	profile, reason := classify(cfg, prompt, last)
	d := decisionForProfile(cfg, profile, reason)

	if profile == ProfileDeep && d.EstimatedMinutes >= cfg.BackgroundMinEstimateMinutes {
		d.ShouldBackground = true
		d.Reason = reason + "; pre-emptively backgrounded (estimate exceeds foreground budget)"
	}

	if ctx != nil {
		applyContextOverrides(&d, ctx)
	}
	return d
}

func classify(cfg Config, prompt string, last *LastMessage) (Profile, string) {
	lower := strings.ToLower(prompt)

	for _, kw := range cfg.DeepKeywords {
		if strings.Contains(lower, kw) {
			return ProfileDeep, "prompt contains deep-work keyword: " + kw
		}
	}

	if last != nil && last.AttachmentsN > 2 {
		return ProfileDeep, "multiple attachments require deep analysis"
	}

	if len(prompt) <= cfg.FastMaxChars && !strings.Contains(prompt, "?") {
		return ProfileFast, "short, non-interrogative prompt"
	}

	return ProfileStandard, "default profile"
}

func decisionForProfile(cfg Config, profile Profile, reason string) Decision {
	d := Decision{
		Profile:                      profile,
		Reason:                       reason,
		EnableResponseValidation:     true,
		ResponseValidationMaxRetries: cfg.ResponseValidationMaxRetries,
		EnableMemoryRecall:           true,
		RecallMaxTokens:              cfg.RecallMaxTokens,
		EnableMemoryExtraction:       true,
		ShouldRunClassifier:          profile == ProfileStandard,
		Progress: ProgressConfig{
			Enabled:    profile != ProfileFast,
			InitialMS:  cfg.ProgressInitialMS,
			IntervalMS: cfg.ProgressIntervalMS,
			MaxUpdates: cfg.ProgressMaxUpdates,
			Messages:   []string{"Still working on it...", "Making progress...", "Almost there..."},
		},
	}

	switch profile {
	case ProfileFast:
		d.MaxToolSteps = cfg.FastMaxToolSteps
		d.RecallMaxResults = 0
		d.EnableMemoryRecall = false
		d.EnablePlanner = false
		d.Progress.Enabled = false
	case ProfileDeep:
		d.MaxToolSteps = cfg.DeepMaxToolSteps
		d.RecallMaxResults = cfg.DeepRecallMaxResults
		d.EnablePlanner = true
		d.EstimatedMinutes = estimateMinutes(cfg, profile)
	default:
		d.MaxToolSteps = cfg.StandardMaxToolSteps
		d.RecallMaxResults = cfg.StandardRecallMaxResults
		d.EnablePlanner = false
	}
	return d
}

// estimateMinutes is a coarse, deterministic heuristic: deep runs with the
// default tool-step ceiling budget roughly 15s per step.
func estimateMinutes(cfg Config, profile Profile) int {
	if profile != ProfileDeep {
		return 0
	}
	seconds := cfg.DeepMaxToolSteps * 15
	minutes := seconds / 60
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

func applyContextOverrides(d *Decision, ctx *Context) {
	if ctx.ModelOverride != "" {
		d.ModelOverride = ctx.ModelOverride
	}
	if len(ctx.ToolAllow) > 0 {
		d.ToolAllow = ctx.ToolAllow
	}
	if len(ctx.ToolDeny) > 0 {
		d.ToolDeny = ctx.ToolDeny
	}
}
