// Package scheduler implements the Scheduler component: a
// fixed-interval poll loop that claims due scheduled tasks, dispatches
// each through the Router and an AgentRunner, computes the next run time
// (cron via robfig/cron/v3, interval via duration arithmetic), and
// applies exponential-backoff-with-jitter plus a circuit breaker on
// repeated failure. Modeled on internal/cron.Scheduler
// (ticker loop shape, Start/Stop lifecycle, cronlib.NewParser usage),
// generalized from "create a task row per due cron schedule" into
// "claim-execute-reschedule a ScheduledTask in place".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/router"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	retryBaseMS  = 2000
	retryCapMS   = 30_000
	maxNotifyTry = 3
)

// Notifier sends a chat-visible message, used for completion/error/pause
// notifications with its own independent retry policy.
type Notifier interface {
	Notify(ctx context.Context, chatJID, text string) error
}

// Config bundles a Scheduler's collaborators and tunables.
type Config struct {
	Store        *store.Store
	Bus          *bus.Bus
	Runner       agentrunner.Runner
	Notifier     Notifier
	RouterCfg    router.Config
	PollInterval time.Duration // SCHEDULER_POLL_INTERVAL
	ClaimLimit   int
	TaskTimeout  time.Duration // TASK_TIMEOUT_MS
	MaxRetries   int           // TASK_MAX_RETRIES
	Logger       *slog.Logger
}

// Scheduler polls the Store for due tasks and runs them.
type Scheduler struct {
	store        *store.Store
	bus          *bus.Bus
	runner       agentrunner.Runner
	notifier     Notifier
	routerCfg    router.Config
	pollInterval time.Duration
	claimLimit   int
	taskTimeout  time.Duration
	maxRetries   int
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler, filling in defaults for zero-valued tunables.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store: cfg.Store, bus: cfg.Bus, runner: cfg.Runner, notifier: cfg.Notifier,
		routerCfg: cfg.RouterCfg, pollInterval: cfg.PollInterval, claimLimit: cfg.ClaimLimit,
		taskTimeout: cfg.TaskTimeout, maxRetries: cfg.MaxRetries, logger: logger,
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.pollInterval)
}

// Stop cancels the poll loop and waits for in-flight tick processing to
// finish dispatching (not for dispatched task runs to complete).
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims every due task and dispatches runTask concurrently;
// each task's outcome is independent, ordering across tasks is not
// guaranteed.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.ClaimDueTasks(ctx, time.Now(), s.claimLimit)
	if err != nil {
		s.logger.Error("claim due tasks failed", "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, t := range due {
		wg.Add(1)
		go func(t store.ScheduledTask) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

// runTask executes one claimed task end to end and is also the path
// RunNow uses for out-of-band immediate execution.
func (s *Scheduler) runTask(ctx context.Context, t store.ScheduledTask) {
	s.bus.Publish(bus.TopicTaskFired, bus.TaskFiredEvent{TaskID: t.ID, GroupFolder: t.GroupFolder, ChatJID: t.ChatJID})

	decision := router.RouteRequest(s.routerCfg, t.Prompt, nil, &router.Context{ScheduledTaskProfile: router.ProfileStandard})

	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	sessionID := ""
	spec := agentrunner.Spec{
		ChatJID:      t.ChatJID,
		GroupFolder:  t.GroupFolder,
		SessionID:    sessionID,
		Prompt:       t.Prompt,
		MaxToolSteps: decision.MaxToolSteps,
		Timezone:     t.Timezone,
		Abort:        runCtx.Done(),
	}

	result, err := s.runner.Execute(runCtx, spec)
	if err != nil {
		s.onFailure(ctx, t, err.Error())
		return
	}
	if result.Output.Status == "error" {
		s.onFailure(ctx, t, result.Output.Error)
		return
	}
	s.onSuccess(ctx, t, result.Output.Result)
}

func (s *Scheduler) onSuccess(ctx context.Context, t store.ScheduledTask, resultText string) {
	next, status, err := s.computeNext(t)
	if err != nil {
		s.pauseWithReason(ctx, t, fmt.Sprintf("invalid schedule: %v", err))
		return
	}
	if err := s.store.UpdateTaskAfterRun(ctx, t.ID, resultText, "", next, status, 0); err != nil {
		s.logger.Error("update task after successful run failed", "task", t.ID, "error", err)
		return
	}
	s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: t.ID, Status: "succeeded", NextRun: formatNextRun(next)})
	s.notifyWithRetry(ctx, t.ChatJID, completionMessage(resultText, status, next))
}

func (s *Scheduler) onFailure(ctx context.Context, t store.ScheduledTask, errMsg string) {
	retryCount := t.RetryCount + 1
	if retryCount > s.maxRetries {
		s.pauseWithReason(ctx, t, fmt.Sprintf("failed %d times: %s", retryCount-1, errMsg))
		return
	}

	delay := backoffWithJitter(retryCount)
	next := time.Now().Add(delay)
	if err := s.store.UpdateTaskAfterRun(ctx, t.ID, "", errMsg, next, "active", retryCount); err != nil {
		s.logger.Error("update task after failed run failed", "task", t.ID, "error", err)
		return
	}
	s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: t.ID, Status: "failed", Error: errMsg, NextRun: formatNextRun(next)})
	s.notifyWithRetry(ctx, t.ChatJID, fmt.Sprintf("Scheduled task failed (attempt %d/%d): %s. Retrying %s.", retryCount, s.maxRetries, errMsg, relativeTime(next)))
}

func (s *Scheduler) pauseWithReason(ctx context.Context, t store.ScheduledTask, reason string) {
	if err := s.store.PauseTask(ctx, t.ID); err != nil {
		s.logger.Error("pause task failed", "task", t.ID, "error", err)
		return
	}
	s.bus.Publish(bus.TopicTaskPaused, bus.TaskCompletedEvent{TaskID: t.ID, Status: "paused", Error: reason})
	s.notifyWithRetry(ctx, t.ChatJID, fmt.Sprintf("Paused this scheduled task because %s. Resume it with /dotclaw once you've fixed the issue.", reason))
}

// computeNext derives the next run time and resulting status for a task
// that just completed successfully.
func (s *Scheduler) computeNext(t store.ScheduledTask) (time.Time, string, error) {
	switch t.ScheduleType {
	case "cron", "interval":
		next, err := nextRunFor(t.ScheduleType, t.ScheduleValue, t.Timezone)
		if err != nil {
			return time.Time{}, "", err
		}
		return next, "active", nil
	case "once":
		return time.Time{}, "done", nil
	default:
		return time.Time{}, "", fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// nextRunFor computes the next fire time for a recurring ("cron" or
// "interval") schedule relative to now.
func nextRunFor(scheduleType, scheduleValue, timezone string) (time.Time, error) {
	switch scheduleType {
	case "cron":
		loc := time.UTC
		if timezone != "" {
			if l, err := time.LoadLocation(timezone); err == nil {
				loc = l
			}
		}
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return sched.Next(time.Now().In(loc)), nil
	case "interval":
		d, err := time.ParseDuration(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", scheduleValue, err)
		}
		return time.Now().Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurring schedule type %q", scheduleType)
	}
}

// ComputeInitialRun derives the first next_run for a newly created or
// updated task, so IPC's schedule_task/update_task ops don't have to wait
// for a poll tick to learn when they'll first fire. "once" tasks carry their
// fire time directly as an RFC3339 timestamp in ScheduleValue.
func ComputeInitialRun(t store.ScheduledTask) (time.Time, error) {
	switch t.ScheduleType {
	case "once":
		when, err := time.Parse(time.RFC3339, t.ScheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid once timestamp %q: %w", t.ScheduleValue, err)
		}
		return when, nil
	case "cron", "interval":
		return nextRunFor(t.ScheduleType, t.ScheduleValue, t.Timezone)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// RunNow is runTaskNow: out-of-band immediate execution that rejects a
// task already mid-run.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	t, err := s.store.ClaimTaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if t == nil {
		return fmt.Errorf("scheduler: task %q not found", taskID)
	}
	s.runTask(ctx, *t)
	return nil
}

func (s *Scheduler) notifyWithRetry(ctx context.Context, chatJID, text string) {
	if s.notifier == nil {
		return
	}
	delay := time.Duration(retryBaseMS) * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxNotifyTry; attempt++ {
		if err = s.notifier.Notify(ctx, chatJID, text); err == nil {
			return
		}
		if attempt == maxNotifyTry {
			break
		}
		time.Sleep(jitter(delay))
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	s.logger.Error("task notification failed after retries", "chat", chatJID, "error", err)
}

func backoffWithJitter(retryCount int) time.Duration {
	ms := retryBaseMS << uint(retryCount-1)
	if ms > retryCapMS || ms <= 0 {
		ms = retryCapMS
	}
	return jitter(time.Duration(ms) * time.Millisecond)
}

// jitter applies a 0.7-1.3 multiplicative jitter band.
func jitter(d time.Duration) time.Duration {
	factor := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * factor)
}

func completionMessage(result, status string, next time.Time) string {
	if status == "done" {
		return result
	}
	return fmt.Sprintf("%s\n\nNext run %s.", result, relativeTime(next))
}

func formatNextRun(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// relativeTime produces a "in about 20 minutes" / "tomorrow"
// phrasing for notifications.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Until(t)
	switch {
	case d <= time.Minute:
		return "in under a minute"
	case d < time.Hour:
		return fmt.Sprintf("in about %d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("in about %d hours", int(d.Hours()))
	case d < 48*time.Hour:
		return "tomorrow"
	default:
		return fmt.Sprintf("in about %d days", int(d.Hours()/24))
	}
}
