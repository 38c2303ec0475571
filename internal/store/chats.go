package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat mirrors one row of the chats table: created on first observation,
// never deleted.
type Chat struct {
	ChatID          string
	Name            string
	LastMessageTime time.Time
}

// TouchChat creates the chat row if absent and always advances
// last_message_time to now; called on every observed inbound/outbound message.
func (s *Store) TouchChat(ctx context.Context, chatID, name string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, name, last_message_time)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
				last_message_time = excluded.last_message_time
			WHERE excluded.last_message_time > chats.last_message_time OR chats.last_message_time IS NULL;
		`, chatID, name, at.UTC())
		if err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		return nil
	})
}

// GetChat looks up a chat by id.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, name, last_message_time FROM chats WHERE chat_id = ?;`, chatID).
		Scan(&c.ChatID, &c.Name, &lastMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if lastMsg.Valid {
		c.LastMessageTime = lastMsg.Time
	}
	return &c, nil
}

// NamespacedMessageID scopes a provider-native message id to its chat.
// Provider message ids are typically only unique within one chat, but both
// the message log and trace links key on an id unique across every chat and
// provider, so every caller that stores or looks up a sent/received message
// id must pass it through here first.
func NamespacedMessageID(chatJID, providerMessageID string) string {
	return chatJID + ":" + providerMessageID
}

// AppendMessage writes one row to the append-only message log. Callers
// pass a stable id (provider message id, namespaced) so redelivery is
// naturally idempotent via INSERT OR IGNORE.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
			(id, chat_jid, sender_id, sender_name, content, timestamp, is_outbound, attachments_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, m.ID, m.ChatJID, m.SenderID, m.SenderName, m.Content, m.Timestamp.UTC(), boolToInt(m.IsOutbound), nullString(m.AttachmentsJSON))
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// Message mirrors one row of the messages table.
type Message struct {
	ID              string
	ChatJID         string
	SenderID        string
	SenderName      string
	Content         string
	Timestamp       time.Time
	IsOutbound      bool
	AttachmentsJSON string
}

// MessagesSince returns all log rows for chatJID ordered by (timestamp, id)
// strictly after the given cursor watermark — the window folded into the
// next agent prompt.
func (s *Store) MessagesSince(ctx context.Context, chatJID string, afterTimestamp time.Time, afterID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_outbound, COALESCE(attachments_json, '')
		FROM messages
		WHERE chat_jid = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp ASC, id ASC;
	`, chatJID, afterTimestamp.UTC(), afterTimestamp.UTC(), afterID)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var outbound int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &outbound, &m.AttachmentsJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsOutbound = outbound != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChatCursor mirrors one row of the chat_cursors table.
type ChatCursor struct {
	ChatID             string
	LastAgentTimestamp time.Time
	LastAgentMessageID string
}

// GetChatCursor returns the current watermark, or the zero cursor if none
// has been recorded yet.
func (s *Store) GetChatCursor(ctx context.Context, chatID string) (ChatCursor, error) {
	var cur ChatCursor
	cur.ChatID = chatID
	var ts sql.NullTime
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_agent_timestamp, last_agent_message_id FROM chat_cursors WHERE chat_id = ?;`, chatID).Scan(&ts, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("get chat cursor: %w", err)
	}
	if ts.Valid {
		cur.LastAgentTimestamp = ts.Time
	}
	if id.Valid {
		cur.LastAgentMessageID = id.String
	}
	return cur, nil
}

// AdvanceChatCursor moves the watermark forward. It is a no-op (returns nil,
// false) if the proposed position is not strictly after the current one,
// enforcing the monotonic-cursor invariant.
func (s *Store) AdvanceChatCursor(ctx context.Context, chatID string, ts time.Time, messageID string) (bool, error) {
	var advanced bool
	err := retryOnBusy(ctx, 5, func() error {
		cur, err := s.GetChatCursor(ctx, chatID)
		if err != nil {
			return err
		}
		if !cur.LastAgentTimestamp.IsZero() {
			if ts.Before(cur.LastAgentTimestamp) {
				return nil
			}
			if ts.Equal(cur.LastAgentTimestamp) && messageID <= cur.LastAgentMessageID {
				return nil
			}
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_cursors (chat_id, last_agent_timestamp, last_agent_message_id)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				last_agent_timestamp = excluded.last_agent_timestamp,
				last_agent_message_id = excluded.last_agent_message_id;
		`, chatID, ts.UTC(), messageID); err != nil {
			return fmt.Errorf("advance chat cursor: %w", err)
		}
		advanced = true
		return nil
	})
	return advanced, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
