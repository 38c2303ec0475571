package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/store"
	"github.com/dotsetlabs/dotclaw/internal/tui"
)

// runStatus implements `dotclaw status`: a read-only dashboard over the
// same database file the running host writes to. It opens its own
// connection rather than reaching into a live process, so it works
// whether or not a host is currently running (an idle dashboard just
// shows zeros).
func runStatus(ctx context.Context, cfg config.Config) error {
	dbPath := filepath.Join(cfg.DataDir, "dotclaw.db")
	st, err := store.Open(dbPath, bus.New())
	if err != nil {
		return err
	}
	defer st.Close()

	startedAt := time.Now()
	provider := func() tui.Snapshot {
		return pollSnapshot(ctx, st, startedAt)
	}
	return tui.Run(ctx, provider)
}

func pollSnapshot(ctx context.Context, st *store.Store, startedAt time.Time) tui.Snapshot {
	snap := tui.Snapshot{Uptime: time.Since(startedAt)}

	groups, err := st.ListGroups(ctx)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.DBOK = true
	snap.GroupsRegistered = len(groups)

	pending, err := st.PendingChatJIDs(ctx)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.ChatsPending = len(pending)

	tasks, err := st.ListTasks(ctx, "")
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if !t.RunningSince.IsZero() {
			snap.TasksActive++
		}
		if t.Status == "active" && !t.NextRun.After(now) {
			snap.TasksDue++
		}
	}

	jobs, err := st.ListJobs(ctx, "")
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	for _, j := range jobs {
		switch j.Status {
		case "running":
			snap.JobsRunning++
		case "queued":
			snap.JobsQueued++
		}
	}

	return snap
}
