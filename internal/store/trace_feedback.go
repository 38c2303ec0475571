package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TraceLink binds a sent outbound message back to the trace id of the
// agent run that produced it, so a later reaction on that message can be
// attributed to the run.
type TraceLink struct {
	SentMessageID string
	ChatJID       string
	TraceID       string
}

// RecordTraceLink binds a sent message id to the trace that produced it.
func (s *Store) RecordTraceLink(ctx context.Context, link TraceLink) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trace_links (sent_message_id, chat_jid, trace_id) VALUES (?, ?, ?)
			ON CONFLICT(sent_message_id) DO UPDATE SET trace_id = excluded.trace_id;
		`, link.SentMessageID, link.ChatJID, link.TraceID)
		if err != nil {
			return fmt.Errorf("record trace link: %w", err)
		}
		return nil
	})
}

// GetTraceLink resolves the trace id for a previously sent message.
func (s *Store) GetTraceLink(ctx context.Context, sentMessageID string) (*TraceLink, error) {
	var l TraceLink
	err := s.db.QueryRowContext(ctx, `
		SELECT sent_message_id, chat_jid, trace_id FROM trace_links WHERE sent_message_id = ?;
	`, sentMessageID).Scan(&l.SentMessageID, &l.ChatJID, &l.TraceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace link: %w", err)
	}
	return &l, nil
}

// Feedback is a provider-level emoji reaction on an agent's sent message,
// recorded against the trace that produced the message.
type Feedback struct {
	ID        int64
	TraceID   string
	ChatJID   string
	SenderID  string
	Emoji     string
	CreatedAt time.Time
}

// RecordReactionFeedback appends one feedback row. Callers resolve TraceID
// via GetTraceLink against the reacted-to message id before calling this.
func (s *Store) RecordReactionFeedback(ctx context.Context, f Feedback) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO feedback (trace_id, chat_jid, sender_id, emoji) VALUES (?, ?, ?, ?);
		`, f.TraceID, f.ChatJID, f.SenderID, f.Emoji)
		if err != nil {
			return fmt.Errorf("record reaction feedback: %w", err)
		}
		return nil
	})
}

// ListFeedback returns every feedback row recorded against a trace id.
func (s *Store) ListFeedback(ctx context.Context, traceID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, chat_jid, sender_id, emoji, created_at
		FROM feedback WHERE trace_id = ? ORDER BY created_at ASC;
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.TraceID, &f.ChatJID, &f.SenderID, &f.Emoji, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
