package store

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceReport totals what one RunMaintenance pass did, for logging.
type MaintenanceReport struct {
	StalledMessages int64
	StalledTasks    int64
	StalledJobs     int64
	TrimmedEvents   int64
	TrimmedTraces   int64
	TrimmedFeedback int64
}

// RunMaintenance recovers anything left mid-run by a crashed prior instance
// and trims append-only history past retentionWindow. It is safe to call
// repeatedly on a timer — every step is idempotent — and is also called
// once at startup before anything else claims work, grounded on the
// teacher's CleanupCompletedLoops sweep.
func (s *Store) RunMaintenance(ctx context.Context, retentionWindow time.Duration) (MaintenanceReport, error) {
	var report MaintenanceReport
	var err error

	if report.StalledMessages, err = s.ResetStalledMessages(ctx); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}
	if report.StalledTasks, err = s.ResetStalledTasks(ctx); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}
	if report.StalledJobs, err = s.ResetStalledBackgroundJobs(ctx); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}

	if retentionWindow <= 0 {
		return report, nil
	}
	cutoff := time.Now().UTC().Add(-retentionWindow)

	if report.TrimmedEvents, err = s.trimOlderThan(ctx, "background_job_events", "created_at", cutoff); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}
	if report.TrimmedTraces, err = s.trimOlderThan(ctx, "trace_links", "created_at", cutoff); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}
	if report.TrimmedFeedback, err = s.trimOlderThan(ctx, "feedback", "created_at", cutoff); err != nil {
		return report, fmt.Errorf("maintenance: %w", err)
	}
	return report, nil
}

func (s *Store) trimOlderThan(ctx context.Context, table, column string, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, table, column), cutoff)
		if err != nil {
			return fmt.Errorf("trim %s: %w", table, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
