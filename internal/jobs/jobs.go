// Package jobs implements the Background Jobs worker pool: a
// fixed number of workers each polling claimBackgroundJob, running the
// claimed job through an AgentRunner with a lease-renewal timer ticking at
// half the lease TTL, and finishing the job with its terminal outcome.
// Grounded on internal/scheduler's own poll-loop shape (this package is the
// worker-pool sibling of that single poller) and on
// internal/coordinator/waiter.go's completion-notification idiom, adapted
// from "wait on a bus event" to "this worker owns the job until it's done".
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

// Notifier sends a chat-visible message naming the completed job.
type Notifier interface {
	Notify(ctx context.Context, chatJID, text string) error
}

// Config bundles a Pool's collaborators and tunables.
type Config struct {
	Store        *store.Store
	Bus          *bus.Bus
	Runner       agentrunner.Runner
	Notifier     Notifier
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Logger       *slog.Logger
}

// Pool runs Workers goroutines, each independently polling for and
// executing queued background jobs.
type Pool struct {
	store        *store.Store
	bus          *bus.Bus
	runner       agentrunner.Runner
	notifier     Notifier
	workers      int
	pollInterval time.Duration
	leaseTTL     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool, filling in defaults for zero-valued tunables.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store: cfg.Store, bus: cfg.Bus, runner: cfg.Runner, notifier: cfg.Notifier,
		workers: cfg.Workers, pollInterval: cfg.PollInterval, leaseTTL: cfg.LeaseTTL, logger: logger,
	}
}

// Start spins up the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.workerLoop(ctx, owner)
	}
	p.logger.Info("background job pool started", "workers", p.workers)
}

// Stop cancels every worker and waits for them to exit. A worker mid-run
// has its AgentRunner context canceled, so Stop does not block on a
// currently-executing job finishing naturally.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("background job pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, owner string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.store.ClaimBackgroundJob(ctx, owner, p.leaseTTL)
			if err != nil {
				p.logger.Error("claim background job failed", "owner", owner, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			p.runJob(ctx, owner, *job)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, owner string, job store.BackgroundJob) {
	p.bus.Publish(bus.TopicJobSpawned, bus.JobSpawnedEvent{JobID: job.ID, GroupFolder: job.GroupFolder, ChatJID: job.ChatJID, Priority: job.Priority})

	timeout := p.leaseTTL
	if job.TimeoutMS > 0 {
		timeout = time.Duration(job.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	renewStop := p.startLeaseRenewal(runCtx, owner, job.ID)
	defer close(renewStop)

	spec := agentrunner.Spec{
		TraceID:       job.ParentTraceID,
		ChatJID:       job.ChatJID,
		GroupFolder:   job.GroupFolder,
		Prompt:        job.Prompt,
		MaxToolSteps:  job.MaxToolSteps,
		ModelOverride: job.ModelOverride,
		Timeout:       timeout,
		Abort:         runCtx.Done(),
	}

	result, err := p.runner.Execute(runCtx, spec)
	status, summary, jobErr := outcomeFor(runCtx, result, err)

	if ferr := p.store.FinishBackgroundJob(ctx, job.ID, status, summary, "", false, jobErr); ferr != nil {
		p.logger.Error("finish background job failed", "job", job.ID, "error", ferr)
	}
	p.bus.Publish(bus.TopicJobCompleted, bus.JobCompletedEvent{JobID: job.ID, Status: status})

	if job.ChatJID != "" && p.notifier != nil {
		text := summary
		if status != "succeeded" {
			text = fmt.Sprintf("Background job %s %s: %s", job.ID, status, jobErr)
		} else {
			text = fmt.Sprintf("Background job %s finished: %s", job.ID, summary)
		}
		if err := p.notifier.Notify(ctx, job.ChatJID, text); err != nil {
			p.logger.Warn("background job completion notify failed", "job", job.ID, "error", err)
		}
	}
}

// outcomeFor maps a Runner result onto the job's terminal status
// ("success|failure|timeout|canceled").
func outcomeFor(ctx context.Context, result agentrunner.Result, err error) (status, summary, jobErr string) {
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "failed", "", "timeout"
		}
		if ctx.Err() == context.Canceled {
			return "cancelled", "", "canceled"
		}
		return "failed", "", err.Error()
	}
	if result.Output.Status == "error" {
		return "failed", "", result.Output.Error
	}
	return "succeeded", result.Output.Result, ""
}

// startLeaseRenewal ticks at LeaseTTL/2, extending the job's lease so a
// long-running job is not mistaken for stalled by resetStalledBackgroundJobs.
// Returns a channel the caller closes to stop the goroutine.
func (p *Pool) startLeaseRenewal(ctx context.Context, owner, jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := p.leaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if renewed, err := p.store.RenewBackgroundJobLease(ctx, jobID, owner, p.leaseTTL); err != nil {
					p.logger.Warn("renew job lease failed", "job", jobID, "error", err)
				} else if !renewed {
					p.logger.Warn("job lease lost to another owner", "job", jobID, "owner", owner)
					return
				}
			}
		}
	}()
	return stop
}
