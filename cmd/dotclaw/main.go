// Command dotclaw runs one multi-chat conversational agent host: it
// connects to every enabled chat provider, absorbs inbound messages
// through the pipeline into agent runs, fires scheduled tasks and
// background jobs, and serves the local IPC bus every registered group
// uses to reach back into its own state. `dotclaw status` instead opens
// a read-only dashboard over the same database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner/container"
	"github.com/dotsetlabs/dotclaw/internal/audit"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/hooks"
	"github.com/dotsetlabs/dotclaw/internal/ipcbus"
	"github.com/dotsetlabs/dotclaw/internal/jobs"
	otelPkg "github.com/dotsetlabs/dotclaw/internal/otel"
	"github.com/dotsetlabs/dotclaw/internal/pipeline"
	"github.com/dotsetlabs/dotclaw/internal/policy"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/ratelimit"
	"github.com/dotsetlabs/dotclaw/internal/scheduler"
	"github.com/dotsetlabs/dotclaw/internal/store"
	"github.com/dotsetlabs/dotclaw/internal/supervisor"
	"github.com/dotsetlabs/dotclaw/internal/telemetry"
	"github.com/dotsetlabs/dotclaw/internal/wake"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "status" {
		if err := runStatus(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "dotclaw status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DOTCLAW_NO_TTY") == ""
	quietLogs := interactive // a foreground terminal gets file-only logs; a supervised/daemonized run tees to stdout for the process manager to capture
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.NewWithLogger(logger)

	dbPath := filepath.Join(cfg.DataDir, "dotclaw.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	if report, err := st.RunMaintenance(ctx, cfg.MaintenanceRetention()); err != nil {
		logger.Warn("startup maintenance sweep failed", "error", err)
	} else {
		logger.Info("startup maintenance sweep",
			"stalled_messages", report.StalledMessages,
			"stalled_tasks", report.StalledTasks,
			"stalled_jobs", report.StalledJobs,
			"trimmed_events", report.TrimmedEvents,
			"trimmed_traces", report.TrimmedTraces,
			"trimmed_feedback", report.TrimmedFeedback,
		)
	}
	go runMaintenanceLoop(ctx, st, cfg.MaintenanceInterval(), cfg.MaintenanceRetention(), logger)

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	fileWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := fileWatcher.Start(ctx); err != nil {
		logger.Warn("config file watcher failed to start, reload-on-edit disabled", "error", err)
	} else {
		go watchConfigFiles(ctx, fileWatcher, pol, policyPath, logger)
	}

	groupsRegistry := groups.New(st)

	providersRegistry := providers.NewRegistry()
	if cfg.Providers.Telegram.Enabled {
		if cfg.Providers.Telegram.Token == "" {
			logger.Warn("telegram provider enabled but token is missing")
		} else {
			providersRegistry.Add(providers.NewTelegramProvider(cfg.Providers.Telegram.Token, nil, logger))
		}
	}
	if cfg.Providers.Discord.Enabled {
		if cfg.Providers.Discord.Token == "" {
			logger.Warn("discord provider enabled but token is missing")
		} else {
			providersRegistry.Add(providers.NewDiscordProvider(cfg.Providers.Discord.Token, logger))
		}
	}

	containerRunner, err := container.New(container.Config{
		Image:       cfg.Sandbox.Image,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		NetworkMode: cfg.Sandbox.Network,
		GroupsDir:   cfg.GroupsDir,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CONTAINER_RUNNER_INIT", err)
	}
	defer containerRunner.Close()

	routerCfg := cfg.Router.ToRouterConfig()
	notifier := pipeline.NewProviderNotifier(providersRegistry)
	limiter := ratelimit.New(cfg.RateLimitMaxPerWindow, cfg.RateLimitWindow(), logger)

	pipe := pipeline.New(pipeline.Config{
		Store:        st,
		Bus:          eventBus,
		Limiter:      limiter,
		Groups:       groupsRegistry,
		Runner:       containerRunner,
		Notifier:     notifier,
		RouterCfg:    routerCfg,
		Logger:       logger,
		MaxBatchSize: cfg.MaxBatchSize,
		BatchWindow:  cfg.BatchWindow(),
	})

	sched := scheduler.New(scheduler.Config{
		Store:        st,
		Bus:          eventBus,
		Runner:       containerRunner,
		Notifier:     notifier,
		RouterCfg:    routerCfg,
		PollInterval: cfg.SchedulerPollInterval(),
		ClaimLimit:   cfg.SchedulerClaimLimit,
		TaskTimeout:  cfg.TaskTimeout(),
		MaxRetries:   cfg.TaskMaxRetries,
		Logger:       logger,
	})

	jobPool := jobs.New(jobs.Config{
		Store:        st,
		Bus:          eventBus,
		Runner:       containerRunner,
		Notifier:     notifier,
		Workers:      cfg.JobWorkers,
		PollInterval: cfg.JobPollInterval(),
		LeaseTTL:     cfg.JobLeaseTTL(),
		Logger:       logger,
	})

	ipcDataDir := filepath.Join(cfg.DataDir, "ipc")
	ipc := ipcbus.New(ipcbus.Config{
		DataDir:      ipcDataDir,
		Store:        st,
		Groups:       groupsRegistry,
		Providers:    providersRegistry,
		Scheduler:    sched,
		Memory:       nil, // memory persistence is out of scope for this host
		PollInterval: cfg.IPCPollInterval(),
		Logger:       logger,
	})

	providerHandlers := providers.Handlers{
		OnMessage:     makeOnMessage(pipe, logger),
		OnReaction:    makeOnReaction(st, logger),
		OnButtonClick: makeOnButtonClick(logger),
	}

	wakeDetector := wake.New(wake.Config{
		Store:            st,
		Providers:        providersRegistry,
		ProviderHandlers: providerHandlers,
		Pipeline:         pipe,
		CheckInterval:    cfg.WakeCheckInterval(),
		Threshold:        cfg.WakeThreshold(),
		GraceWindow:      cfg.WakeGraceWindow(),
		Logger:           logger,
	})

	hookBus := hooks.New(hooks.Config{
		Scripts:          buildHookScripts(cfg.Hooks, logger),
		AsyncConcurrency: 8,
		DefaultTimeout:   10 * time.Second,
	}, logger)
	defer func() { _ = hookBus.Close(context.Background()) }()
	go hooks.Subscribe(ctx, eventBus, hookBus)
	_ = hookBus.Emit(ctx, "instance.starting", map[string]any{"version": Version})

	var warmStartGroups []string
	if cfg.Sandbox.WarmStart {
		warmStartGroups = warmStartFolders(ctx, st, logger)
	}

	sup := supervisor.New(supervisor.Config{
		Store:            st,
		Groups:           groupsRegistry,
		Providers:        providersRegistry,
		ProviderHandlers: providerHandlers,
		Pipeline:         pipe,
		Scheduler:        sched,
		Jobs:             jobPool,
		IPCBus:           ipc,
		Wake:             wakeDetector,
		Containers:       containerRunner,
		WarmStartGroups:  warmStartGroups,
		DrainTimeout:     cfg.DrainTimeout(),
		Logger:           logger,
	})

	if err := sup.Start(ctx); err != nil {
		fatalStartup(logger, "E_SUPERVISOR_START", err)
	}
	logger.Info("dotclaw running", "home", cfg.HomeDir, "agent", cfg.AgentName)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	_ = hookBus.Emit(context.Background(), "instance.stopping", nil)
	sup.Shutdown(context.Background())
	logger.Info("shutdown complete")
}

// watchConfigFiles reloads the live policy whenever policy.yaml changes on
// disk. config.yaml and SOUL.md edits are logged but not hot-applied — the
// typed Config struct is read once at startup and threaded through every
// collaborator by value, so picking up a change there needs a restart.
func watchConfigFiles(ctx context.Context, w *config.Watcher, pol *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Path != policyPath {
				logger.Info("config file changed, restart to apply", "path", ev.Path)
				continue
			}
			newPolicy, err := policy.Load(policyPath)
			if err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			pol.Reload(newPolicy)
			logger.Info("policy reloaded", "policy_version", pol.PolicyVersion())
		}
	}
}

// runMaintenanceLoop repeats the startup maintenance sweep on a timer for
// the life of the process, so stalled rows a supervised collaborator
// leaves behind mid-run get recovered without waiting for the next
// restart, and append-only history stays bounded.
func runMaintenanceLoop(ctx context.Context, st *store.Store, interval, retention time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := st.RunMaintenance(ctx, retention)
			if err != nil {
				logger.Warn("maintenance sweep failed", "error", err)
				continue
			}
			if report.StalledMessages+report.StalledTasks+report.StalledJobs+report.TrimmedEvents+report.TrimmedTraces+report.TrimmedFeedback > 0 {
				logger.Info("maintenance sweep",
					"stalled_messages", report.StalledMessages,
					"stalled_tasks", report.StalledTasks,
					"stalled_jobs", report.StalledJobs,
					"trimmed_events", report.TrimmedEvents,
					"trimmed_traces", report.TrimmedTraces,
					"trimmed_feedback", report.TrimmedFeedback,
				)
			}
		}
	}
}

// warmStartFolders reads registered groups' folders directly from the
// store for the container runner's warm-start pass. It reads the store
// rather than the in-memory groups.Registry because the supervisor's own
// Registry.Load hasn't run yet at the point this is called.
func warmStartFolders(ctx context.Context, st *store.Store, logger *slog.Logger) []string {
	rows, err := st.ListGroups(ctx)
	if err != nil {
		logger.Warn("list groups for warm-start failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, g := range rows {
		out = append(out, g.Folder)
	}
	return out
}

// makeOnMessage adapts a provider's inbound-message callback into a
// pipeline enqueue: every observed message is first persisted as a durable
// queued row, then handed to the pipeline's own claim/drain machinery.
func makeOnMessage(pipe *pipeline.Pipeline, logger *slog.Logger) func(context.Context, providers.IncomingMessage) {
	return func(ctx context.Context, msg providers.IncomingMessage) {
		qm := store.QueuedMessage{
			ChatJID:         msg.ChatID,
			MessageID:       msg.MessageID,
			SenderID:        msg.SenderID,
			SenderName:      msg.SenderName,
			Content:         msg.Content,
			Timestamp:       time.UnixMilli(msg.TimestampUnixMS),
			IsGroup:         msg.IsGroup,
			ChatType:        string(msg.ChatType),
			MessageThreadID: msg.ThreadID,
		}
		if err := pipe.Enqueue(ctx, qm); err != nil {
			logger.Error("enqueue inbound message failed", "chat_jid", msg.ChatID, "error", err)
		}
	}
}

// makeOnReaction resolves the trace link for the reacted-to message and
// records the reaction as feedback against that trace. A reaction on a
// message dotclaw never sent (no trace link) is silently ignored.
func makeOnReaction(st *store.Store, logger *slog.Logger) func(context.Context, string, string, string, string) {
	return func(ctx context.Context, chatID, messageID, userID, emoji string) {
		link, err := st.GetTraceLink(ctx, store.NamespacedMessageID(chatID, messageID))
		if err != nil {
			logger.Warn("resolve trace link for reaction failed", "chat_id", chatID, "message_id", messageID, "error", err)
			return
		}
		if link == nil {
			return
		}
		if err := st.RecordReactionFeedback(ctx, store.Feedback{
			TraceID:  link.TraceID,
			ChatJID:  chatID,
			SenderID: userID,
			Emoji:    emoji,
		}); err != nil {
			logger.Warn("record reaction feedback failed", "chat_id", chatID, "message_id", messageID, "error", err)
		}
	}
}

// makeOnButtonClick logs inline-button callback events; no provider
// currently drives bespoke button workflows, so this is observability only.
func makeOnButtonClick(logger *slog.Logger) func(context.Context, string, string, string, string, string, string) {
	return func(ctx context.Context, chatID, senderID, senderName, label, data, threadID string) {
		logger.Info("button click", "chat_id", chatID, "sender_id", senderID, "label", label)
	}
}

// buildHookScripts converts config.HookConfig entries (one config row may
// name several events) into the flat per-event hooks.Script list the Bus
// dispatches against.
func buildHookScripts(hookConfigs []config.HookConfig, logger *slog.Logger) []hooks.Script {
	var out []hooks.Script
	for _, hc := range hookConfigs {
		if !hc.Enabled || (strings.TrimSpace(hc.Command) == "" && strings.TrimSpace(hc.Wasm) == "") {
			continue
		}
		mode := hooks.ModeAsync
		if strings.EqualFold(strings.TrimSpace(hc.Mode), "blocking") {
			mode = hooks.ModeBlocking
		}
		timeout := time.Duration(0)
		if hc.Timeout != "" {
			if d, err := time.ParseDuration(hc.Timeout); err == nil {
				timeout = d
			} else {
				logger.Warn("ignoring invalid hook timeout", "hook", hc.Name, "timeout", hc.Timeout, "error", err)
			}
		}
		for _, ev := range hc.Events {
			ev = strings.TrimSpace(ev)
			if ev == "" {
				continue
			}
			out = append(out, hooks.Script{
				Event:   ev,
				Command: hc.Command,
				Args:    hc.Args,
				Wasm:    hc.Wasm,
				Mode:    mode,
				Timeout: timeout,
			})
		}
	}
	return out
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

