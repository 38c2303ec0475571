package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BackgroundJob mirrors one row of the background_jobs table.
type BackgroundJob struct {
	ID              string
	GroupFolder     string
	ChatJID         string
	Prompt          string
	ContextMode     string // "isolated" | "group"
	Status          string // "queued" | "running" | "succeeded" | "failed" | "cancelled"
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	TimeoutMS       int64
	MaxToolSteps    int
	ToolPolicyJSON  string
	ModelOverride   string
	Priority        int
	Tags            string
	ParentTraceID   string
	ParentMessageID string
	ResultSummary   string
	OutputPath      string
	OutputTruncated bool
	LastError       string
	LeaseOwner      string
	LeaseExpiresAt  time.Time
}

// SpawnBackgroundJob inserts a new queued job.
func (s *Store) SpawnBackgroundJob(ctx context.Context, j BackgroundJob) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO background_jobs
			(id, group_folder, chat_jid, prompt, context_mode, status, timeout_ms, max_tool_steps,
			tool_policy_json, model_override, priority, tags, parent_trace_id, parent_message_id)
			VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?, ?, ?);
		`, j.ID, j.GroupFolder, nullString(j.ChatJID), j.Prompt, statusOrDefault(j.ContextMode, "isolated"),
			nullInt64(j.TimeoutMS), nullInt(j.MaxToolSteps), nullString(j.ToolPolicyJSON), nullString(j.ModelOverride),
			j.Priority, nullString(j.Tags), nullString(j.ParentTraceID), nullString(j.ParentMessageID))
		if err != nil {
			return fmt.Errorf("spawn background job: %w", err)
		}
		return nil
	})
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullInt(v int) sql.NullInt64 {
	return nullInt64(int64(v))
}

// ClaimBackgroundJob atomically claims the highest-priority, oldest queued
// job, stamping a lease with a TTL. owner is an opaque worker-pool-slot
// identifier.
func (s *Store) ClaimBackgroundJob(ctx context.Context, owner string, leaseTTL time.Duration) (*BackgroundJob, error) {
	var out *BackgroundJob
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id FROM background_jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1;
		`)
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next queued job: %w", err)
		}

		now := time.Now().UTC()
		expires := now.Add(leaseTTL)
		if _, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET
				status = 'running', started_at = ?, updated_at = ?, lease_owner = ?, lease_expires_at = ?
			WHERE id = ?;
		`, now, now, owner, expires, id); err != nil {
			return fmt.Errorf("claim job %s: %w", id, err)
		}

		out, err = s.getJobTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getJobTx(ctx context.Context, tx *sql.Tx, id string) (*BackgroundJob, error) {
	row := tx.QueryRowContext(ctx, jobSelectQuery+` WHERE id = ?;`, id)
	return scanJob(row)
}

const jobSelectQuery = `
	SELECT id, group_folder, COALESCE(chat_jid, ''), prompt, context_mode, status, created_at, updated_at,
		started_at, finished_at, COALESCE(timeout_ms, 0), COALESCE(max_tool_steps, 0), COALESCE(tool_policy_json, ''),
		COALESCE(model_override, ''), priority, COALESCE(tags, ''), COALESCE(parent_trace_id, ''),
		COALESCE(parent_message_id, ''), COALESCE(result_summary, ''), COALESCE(output_path, ''), output_truncated,
		COALESCE(last_error, ''), COALESCE(lease_owner, ''), lease_expires_at
	FROM background_jobs`

func scanJob(row rowScanner) (*BackgroundJob, error) {
	var j BackgroundJob
	var startedAt, finishedAt, leaseExpires sql.NullTime
	var outputTruncated int
	if err := row.Scan(&j.ID, &j.GroupFolder, &j.ChatJID, &j.Prompt, &j.ContextMode, &j.Status, &j.CreatedAt, &j.UpdatedAt,
		&startedAt, &finishedAt, &j.TimeoutMS, &j.MaxToolSteps, &j.ToolPolicyJSON, &j.ModelOverride, &j.Priority, &j.Tags,
		&j.ParentTraceID, &j.ParentMessageID, &j.ResultSummary, &j.OutputPath, &outputTruncated, &j.LastError,
		&j.LeaseOwner, &leaseExpires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
	if leaseExpires.Valid {
		j.LeaseExpiresAt = leaseExpires.Time
	}
	j.OutputTruncated = outputTruncated != 0
	return &j, nil
}

// GetJob returns a background job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*BackgroundJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelectQuery+` WHERE id = ?;`, id)
	return scanJob(row)
}

// ListJobs returns jobs for a group folder ordered newest-first, or every
// job if groupFolder is empty.
func (s *Store) ListJobs(ctx context.Context, groupFolder string) ([]BackgroundJob, error) {
	var rows *sql.Rows
	var err error
	if groupFolder == "" {
		rows, err = s.db.QueryContext(ctx, jobSelectQuery+` ORDER BY created_at DESC;`)
	} else {
		rows, err = s.db.QueryContext(ctx, jobSelectQuery+` WHERE group_folder = ? ORDER BY created_at DESC;`, groupFolder)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RenewBackgroundJobLease extends a running job's lease; the owner must
// currently hold it. Returns false if the lease was not held by owner
// (another worker already reclaimed it after expiry).
func (s *Store) RenewBackgroundJobLease(ctx context.Context, id, owner string, leaseTTL time.Duration) (bool, error) {
	var renewed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND lease_owner = ? AND status = 'running';
		`, time.Now().UTC().Add(leaseTTL), time.Now().UTC(), id, owner)
		if err != nil {
			return fmt.Errorf("renew job lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = n > 0
		return nil
	})
	return renewed, err
}

// FinishBackgroundJob transitions a running job to a terminal status and
// records its result.
func (s *Store) FinishBackgroundJob(ctx context.Context, id, status, resultSummary, outputPath string, outputTruncated bool, lastError string) error {
	return retryOnBusy(ctx, 5, func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET
				status = ?, finished_at = ?, updated_at = ?, result_summary = ?, output_path = ?,
				output_truncated = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ?;
		`, status, now, now, nullString(resultSummary), nullString(outputPath), boolToInt(outputTruncated), nullString(lastError), id)
		if err != nil {
			return fmt.Errorf("finish background job: %w", err)
		}
		return nil
	})
}

// CancelBackgroundJob marks a queued or running job cancelled. Cancellation
// of a running job signals the worker via the job's context; the row update
// here only reflects the outcome once the worker observes it.
func (s *Store) CancelBackgroundJob(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'cancelled', finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('queued', 'running');
		`, time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("cancel background job: %w", err)
		}
		return nil
	})
}

// ResetStalledBackgroundJobs requeues every running job whose lease has
// expired — called periodically by the background job pool and once at
// startup by the wake/recovery path.
func (s *Store) ResetStalledBackgroundJobs(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL, started_at = NULL
			WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= ?);
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reset stalled background jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// RecordBackgroundJobUpdate appends a progress line to a job's event log,
// surfaced to chat via a job-status IPC notification.
func (s *Store) RecordBackgroundJobUpdate(ctx context.Context, jobID, level, message, dataJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO background_job_events (job_id, level, message, data_json) VALUES (?, ?, ?, ?);
		`, jobID, level, message, nullString(dataJSON))
		if err != nil {
			return fmt.Errorf("record background job event: %w", err)
		}
		return nil
	})
}

// BackgroundJobEvent mirrors one row of the background_job_events table.
type BackgroundJobEvent struct {
	EventID   int64
	JobID     string
	CreatedAt time.Time
	Level     string
	Message   string
	DataJSON  string
}

// ListJobEvents returns every recorded event for a job in emission order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]BackgroundJobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, created_at, level, message, COALESCE(data_json, '')
		FROM background_job_events WHERE job_id = ? ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []BackgroundJobEvent
	for rows.Next() {
		var e BackgroundJobEvent
		if err := rows.Scan(&e.EventID, &e.JobID, &e.CreatedAt, &e.Level, &e.Message, &e.DataJSON); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
