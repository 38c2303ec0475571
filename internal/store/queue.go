package store

import (
	"context"
	"fmt"
	"time"
)

// QueuedMessage is an inbound message waiting to be absorbed into a
// pipeline batch.
type QueuedMessage struct {
	AutoID          int64
	ChatJID         string
	MessageID       string
	SenderID        string
	SenderName      string
	Content         string
	Timestamp       time.Time
	IsGroup         bool
	ChatType        string
	MessageThreadID string
	Status          string
	AttemptCount    int
	CreatedAt       time.Time
}

// EnqueueMessage inserts a pending queued message. The UNIQUE(chat_jid,
// message_id) constraint makes redelivery idempotent: a duplicate enqueue
// is silently absorbed.
func (s *Store) EnqueueMessage(ctx context.Context, m QueuedMessage) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO queued_messages
			(chat_jid, message_id, sender_id, sender_name, content, timestamp, is_group, chat_type, message_thread_id, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending');
		`, m.ChatJID, m.MessageID, m.SenderID, m.SenderName, m.Content, m.Timestamp.UTC(), boolToInt(m.IsGroup), m.ChatType, nullString(m.MessageThreadID))
		if err != nil {
			return fmt.Errorf("enqueue message: %w", err)
		}
		return nil
	})
}

// ClaimBatchForChat atomically moves a batch of pending queued messages for
// chatJID into "claimed" status and returns them in arrival order. A batch
// is the contiguous (by auto_id) prefix of pending rows whose timestamp is
// within windowMS of the oldest pending row, capped at maxBatch rows. A
// delta exactly equal to windowMS still belongs to the batch. The same row
// is never returned to two callers.
func (s *Store) ClaimBatchForChat(ctx context.Context, chatJID string, maxBatch int, windowMS int64) ([]QueuedMessage, error) {
	var out []QueuedMessage
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim batch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT auto_id, chat_jid, message_id, sender_id, sender_name, content, timestamp,
				is_group, chat_type, COALESCE(message_thread_id, ''), status, attempt_count, created_at
			FROM queued_messages
			WHERE chat_jid = ? AND status = 'pending'
			ORDER BY auto_id ASC
			LIMIT ?;
		`, chatJID, maxBatch)
		if err != nil {
			return fmt.Errorf("select pending batch: %w", err)
		}
		var candidates []QueuedMessage
		for rows.Next() {
			var m QueuedMessage
			var isGroup int
			if err := rows.Scan(&m.AutoID, &m.ChatJID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content,
				&m.Timestamp, &isGroup, &m.ChatType, &m.MessageThreadID, &m.Status, &m.AttemptCount, &m.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan queued message: %w", err)
			}
			m.IsGroup = isGroup != 0
			candidates = append(candidates, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(candidates) == 0 {
			return tx.Commit()
		}
		window := time.Duration(windowMS) * time.Millisecond
		oldest := candidates[0].Timestamp
		var ids []int64
		for _, m := range candidates {
			if m.Timestamp.Sub(oldest) > window {
				break
			}
			out = append(out, m)
			ids = append(ids, m.AutoID)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET status = 'claimed' WHERE auto_id = ?;`, id); err != nil {
				return fmt.Errorf("claim queued message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Status = "claimed"
	}
	return out, nil
}

// CompleteQueuedMessages deletes claimed rows once their batch has been
// successfully folded into an agent run.
func (s *Store) CompleteQueuedMessages(ctx context.Context, autoIDs []int64) error {
	if len(autoIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range autoIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages WHERE auto_id = ?;`, id); err != nil {
				return fmt.Errorf("complete queued message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// FailQueuedMessages marks claimed rows as failed and records the failure
// reason for operator visibility; they remain queryable but are not retried
// automatically. Use RequeueQueuedMessages to retry.
func (s *Store) FailQueuedMessages(ctx context.Context, autoIDs []int64) error {
	if len(autoIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range autoIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET status = 'failed' WHERE auto_id = ?;`, id); err != nil {
				return fmt.Errorf("fail queued message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// RequeueQueuedMessages returns claimed-or-failed rows to "pending" and
// increments their attempt counter, used after a recoverable pipeline error.
func (s *Store) RequeueQueuedMessages(ctx context.Context, autoIDs []int64) error {
	if len(autoIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range autoIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queued_messages SET status = 'pending', attempt_count = attempt_count + 1 WHERE auto_id = ?;
			`, id); err != nil {
				return fmt.Errorf("requeue queued message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// ResetStalledMessages returns every message still "claimed" back to
// "pending" — called once at startup by the wake/recovery path, since a
// claimed-but-undrained batch means the process died mid-drain.
func (s *Store) ResetStalledMessages(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queued_messages SET status = 'pending', attempt_count = attempt_count + 1 WHERE status = 'claimed';
		`)
		if err != nil {
			return fmt.Errorf("reset stalled messages: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PendingChatJIDs returns the distinct set of chats with at least one
// pending queued message, used by the pipeline scheduler to know which
// per-chat debounce timers to arm.
func (s *Store) PendingChatJIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_jid FROM queued_messages WHERE status = 'pending';`)
	if err != nil {
		return nil, fmt.Errorf("pending chat jids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, fmt.Errorf("scan pending chat jid: %w", err)
		}
		out = append(out, jid)
	}
	return out, rows.Err()
}
