// Package supervisor implements the Lifecycle Supervisor: the fixed
// startup and shutdown ordering that wires every long-running component
// together and tears them down the same way regardless of which signal
// (or internal error) triggered the shutdown.
//
// Grounded on cmd/goclaw/main.go's startup sequence (open store → run
// recovery scan → load policy → start background loops → start
// channels → select on ctx.Done()/serverErr → bounded graceful
// shutdown), pulled out of main() into a standalone, testable type so
// cmd/dotclaw/main.go only has to construct collaborators and call
// Start/Shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/ipcbus"
	"github.com/dotsetlabs/dotclaw/internal/jobs"
	"github.com/dotsetlabs/dotclaw/internal/pipeline"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/scheduler"
	"github.com/dotsetlabs/dotclaw/internal/store"
	"github.com/dotsetlabs/dotclaw/internal/wake"
)

// ContainerRunner is the subset of agentrunner/container.Runner the
// supervisor drives directly: warm-starting containers at boot and
// cleaning up every container tagged to this instance at shutdown.
type ContainerRunner interface {
	WarmStart(ctx context.Context, groupFolders []string)
	Close() error
}

// Config bundles every long-running collaborator the supervisor starts
// and stops, plus the tunables governing shutdown.
type Config struct {
	Store            *store.Store
	Groups           *groups.Registry
	Providers        *providers.Registry
	ProviderHandlers providers.Handlers
	Pipeline         *pipeline.Pipeline
	Scheduler        *scheduler.Scheduler
	Jobs             *jobs.Pool
	IPCBus           *ipcbus.Bus
	Wake             *wake.Detector
	Containers       ContainerRunner // optional; nil disables warm-start and container cleanup
	WarmStartGroups  []string

	// DrainTimeout bounds how long Shutdown waits for per-chat drains to
	// finish before it aborts in-flight runs and returns anyway.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Supervisor owns the single startup/shutdown sequence for a running
// instance. It is not reusable across a second Start after Shutdown.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	accepting atomic.Bool

	mu      sync.Mutex
	started bool
}

// New constructs a Supervisor. DrainTimeout defaults to 30s.
func New(cfg Config) *Supervisor {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Accepting reports whether the instance is still accepting new inbound
// work (flipped false as the first shutdown step).
func (s *Supervisor) Accepting() bool {
	return s.accepting.Load()
}

// Start runs the startup sequence: load groups/sessions, warm-start
// containers, start providers, resume pending drains, then start
// scheduler, job workers, the IPC watcher, and the wake detector.
// Directory creation, persistence init, and reset-stalled all happen
// earlier, as part of constructing Store/Groups/Pipeline — by the time
// a Config reaches here those collaborators already exist.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Groups != nil {
		if err := s.cfg.Groups.Load(ctx); err != nil {
			return fmt.Errorf("supervisor: load groups: %w", err)
		}
	}

	if s.cfg.Containers != nil && len(s.cfg.WarmStartGroups) > 0 {
		s.cfg.Containers.WarmStart(ctx, s.cfg.WarmStartGroups)
	}

	if s.cfg.Providers != nil {
		for _, p := range s.cfg.Providers.All() {
			if err := p.Start(ctx, s.cfg.ProviderHandlers); err != nil {
				return fmt.Errorf("supervisor: start provider %s: %w", p.Name(), err)
			}
			s.logger.Info("startup phase", "phase", "provider_started", "provider", p.Name())
		}
	}

	if s.cfg.Pipeline != nil {
		if err := s.cfg.Pipeline.ResumePendingDrains(ctx); err != nil {
			s.logger.Warn("supervisor: resume pending drains failed", "error", err)
		}
	}

	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Start(ctx)
		s.logger.Info("startup phase", "phase", "scheduler_started")
	}
	if s.cfg.Jobs != nil {
		s.cfg.Jobs.Start(ctx)
		s.logger.Info("startup phase", "phase", "job_workers_started")
	}
	if s.cfg.IPCBus != nil {
		if err := s.cfg.IPCBus.Start(ctx); err != nil {
			return fmt.Errorf("supervisor: start ipc bus: %w", err)
		}
		s.logger.Info("startup phase", "phase", "ipc_bus_started")
	}
	if s.cfg.Wake != nil {
		s.cfg.Wake.Start(ctx)
		s.logger.Info("startup phase", "phase", "wake_detector_started")
	}

	s.accepting.Store(true)
	s.logger.Info("startup phase", "phase", "accepting")
	return nil
}

// Shutdown runs the fixed, idempotent shutdown sequence: stop accepting
// new work, stop providers, stop every background loop, wait (bounded)
// for per-chat drains to finish, abort anything still running, clean up
// containers, and close the Store.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.accepting.Store(false)

	if s.cfg.Providers != nil {
		for _, p := range s.cfg.Providers.All() {
			if err := p.Stop(ctx); err != nil {
				s.logger.Warn("shutdown: provider stop failed", "provider", p.Name(), "error", err)
			}
		}
	}

	if s.cfg.Wake != nil {
		s.cfg.Wake.Stop()
	}
	if s.cfg.IPCBus != nil {
		s.cfg.IPCBus.Stop()
	}
	if s.cfg.Jobs != nil {
		s.cfg.Jobs.Stop()
	}
	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Stop()
	}

	if s.cfg.Pipeline != nil {
		if !s.cfg.Pipeline.WaitIdle(s.cfg.DrainTimeout) {
			s.logger.Warn("shutdown: drain timeout exceeded, aborting active runs", "timeout", s.cfg.DrainTimeout)
			s.cfg.Pipeline.AbortAll()
		}
	}

	if s.cfg.Containers != nil {
		if err := s.cfg.Containers.Close(); err != nil {
			s.logger.Warn("shutdown: container cleanup failed", "error", err)
		}
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Close(); err != nil {
			s.logger.Warn("shutdown: store close failed", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
}
