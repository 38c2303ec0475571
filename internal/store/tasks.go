package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduledTask mirrors one row of the scheduled_tasks table.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // "cron" | "interval" | "once"
	ScheduleValue string
	Timezone      string
	ContextMode   string // "group" | "isolated"
	NextRun       time.Time
	LastRun       time.Time
	LastResult    string
	StateJSON     string
	RetryCount    int
	LastError     string
	RunningSince  time.Time
	Status        string // "active" | "paused" | "done"
	CreatedAt     time.Time
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone, context_mode, next_run, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.Timezone, t.ContextMode, nullTime(t.NextRun), statusOrDefault(t.Status, "active"))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
}

func statusOrDefault(status, def string) string {
	if status == "" {
		return def
	}
	return status
}

// GetTask returns a scheduled task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone, context_mode,
			next_run, last_run, COALESCE(last_result, ''), COALESCE(state_json, ''), retry_count,
			COALESCE(last_error, ''), running_since, status, created_at
		FROM scheduled_tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, runningSince sql.NullTime
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.Timezone,
		&t.ContextMode, &nextRun, &lastRun, &t.LastResult, &t.StateJSON, &t.RetryCount, &t.LastError,
		&runningSince, &t.Status, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		t.NextRun = nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = lastRun.Time
	}
	if runningSince.Valid {
		t.RunningSince = runningSince.Time
	}
	return &t, nil
}

// ListTasks returns every scheduled task for a group folder, or all tasks if
// groupFolder is empty.
func (s *Store) ListTasks(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	query := `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone, context_mode,
			next_run, last_run, COALESCE(last_result, ''), COALESCE(state_json, ''), retry_count,
			COALESCE(last_error, ''), running_since, status, created_at
		FROM scheduled_tasks`
	var rows *sql.Rows
	var err error
	if groupFolder == "" {
		rows, err = s.db.QueryContext(ctx, query+` ORDER BY created_at ASC;`)
	} else {
		rows, err = s.db.QueryContext(ctx, query+` WHERE group_folder = ? ORDER BY created_at ASC;`, groupFolder)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ClaimDueTasks atomically claims every active task whose next_run is at or
// before now and which is not currently running, stamping running_since so
// a concurrent scheduler tick cannot double-fire it.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	var out []ScheduledTask
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim due tasks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone, context_mode,
				next_run, last_run, COALESCE(last_result, ''), COALESCE(state_json, ''), retry_count,
				COALESCE(last_error, ''), running_since, status, created_at
			FROM scheduled_tasks
			WHERE status = 'active' AND next_run <= ? AND running_since IS NULL
			ORDER BY next_run ASC
			LIMIT ?;
		`, now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("select due tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, *t)
			ids = append(ids, t.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET running_since = ? WHERE id = ?;`, now.UTC(), id); err != nil {
				return fmt.Errorf("claim task %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].RunningSince = now
	}
	return out, nil
}

// ClaimTaskByID atomically stamps running_since on a single task so it can
// be run out of band (the scheduler's RunNow path), rejecting the claim
// if the task is already running. Returns (nil, nil) if the task is missing.
func (s *Store) ClaimTaskByID(ctx context.Context, id string) (*ScheduledTask, error) {
	var out *ScheduledTask
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone, context_mode,
				next_run, last_run, COALESCE(last_result, ''), COALESCE(state_json, ''), retry_count,
				COALESCE(last_error, ''), running_since, status, created_at
			FROM scheduled_tasks WHERE id = ?;
		`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !t.RunningSince.IsZero() {
			return fmt.Errorf("task %s is already running", id)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET running_since = ? WHERE id = ?;`, now, id); err != nil {
			return fmt.Errorf("claim task %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		t.RunningSince = now
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTaskAfterRun clears running_since and records the outcome of a run,
// advancing next_run for recurring tasks or marking "done" for one-shots.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id, result, lastError string, nextRun time.Time, status string, retryCount int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET
				running_since = NULL,
				last_run = ?,
				last_result = ?,
				last_error = ?,
				next_run = ?,
				status = ?,
				retry_count = ?
			WHERE id = ?;
		`, time.Now().UTC(), nullString(result), nullString(lastError), nullTime(nextRun), status, retryCount, id)
		if err != nil {
			return fmt.Errorf("update task after run: %w", err)
		}
		return nil
	})
}

// PauseTask flips a task to "paused" (circuit breaker after repeated
// failures, or an explicit operator action).
func (s *Store) PauseTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = 'paused', running_since = NULL WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("pause task: %w", err)
		}
		return nil
	})
}

// ResumeTask flips a paused task back to active with a fresh next_run.
func (s *Store) ResumeTask(ctx context.Context, id string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = 'active', next_run = ?, retry_count = 0 WHERE id = ?;`, nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("resume task: %w", err)
		}
		return nil
	})
}

// UpdateTask edits a task's mutable fields (IPC "update_task"): prompt and/or
// schedule. nextRun must already reflect the new schedule (see
// scheduler.ComputeInitialRun); retry_count resets since the schedule
// changed out from under any prior backoff state.
func (s *Store) UpdateTask(ctx context.Context, id, prompt, scheduleType, scheduleValue, timezone string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET
				prompt = ?, schedule_type = ?, schedule_value = ?, timezone = ?,
				next_run = ?, retry_count = 0, status = 'active'
			WHERE id = ?;
		`, prompt, scheduleType, scheduleValue, timezone, nullTime(nextRun), id)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
}

// DeleteTask removes a scheduled task permanently.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

// ResetStalledTasks clears running_since on every task left mid-run — called
// once at startup by the wake/recovery path, since a stamped running_since
// surviving past process restart means the prior run never completed.
func (s *Store) ResetStalledTasks(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET running_since = NULL WHERE running_since IS NOT NULL;`)
		if err != nil {
			return fmt.Errorf("reset stalled tasks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
