package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// MainGroupFolder is the fixed constant folder name for the administrative
// group; it cannot be removed.
const MainGroupFolder = "main"

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ErrInvalidFolder is returned when a folder name violates the RegisteredGroup
// invariants (pattern, no "..", not absolute, not already taken).
var ErrInvalidFolder = errors.New("invalid group folder")

// ErrFolderTaken is returned when folder uniqueness across the map is violated.
var ErrFolderTaken = errors.New("group folder already registered")

// ErrMainGroupProtected is returned by UnregisterGroup for the main group.
var ErrMainGroupProtected = errors.New("cannot unregister the main group")

// RegisteredGroup mirrors one row of the registered_groups table.
type RegisteredGroup struct {
	ChatID          string
	Name            string
	Folder          string
	TriggerPattern  string
	AddedAt         time.Time
	ContainerConfig string
	ModelOverride   string
}

// ValidateFolder enforces the RegisteredGroup folder invariants: matches
// ^[a-z0-9][a-z0-9_-]*$, never ".." or an absolute path.
func ValidateFolder(folder string) error {
	if folder == "" || folder == ".." || folder[0] == '/' {
		return ErrInvalidFolder
	}
	if !folderPattern.MatchString(folder) {
		return ErrInvalidFolder
	}
	return nil
}

// RegisterGroup inserts or replaces the RegisteredGroup row for chatID,
// enforcing folder validity and cross-map uniqueness.
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	if err := ValidateFolder(g.Folder); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register group tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingChat string
		err = tx.QueryRowContext(ctx, `SELECT chat_id FROM registered_groups WHERE folder = ? AND chat_id != ?;`, g.Folder, g.ChatID).Scan(&existingChat)
		if err == nil {
			return ErrFolderTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check folder uniqueness: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (chat_id, name) VALUES (?, ?)
			ON CONFLICT(chat_id) DO NOTHING;
		`, g.ChatID, g.Name); err != nil {
			return fmt.Errorf("ensure chat row: %w", err)
		}

		addedAt := g.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registered_groups (chat_id, name, folder, trigger_pattern, added_at, container_config, model_override)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				name = excluded.name,
				folder = excluded.folder,
				trigger_pattern = excluded.trigger_pattern,
				container_config = excluded.container_config;
		`, g.ChatID, g.Name, g.Folder, nullString(g.TriggerPattern), addedAt, nullString(g.ContainerConfig), nullString(g.ModelOverride)); err != nil {
			return fmt.Errorf("register group: %w", err)
		}
		return tx.Commit()
	})
}

// SetGroupModelOverride updates the model override for an already-registered
// group folder, leaving every other column untouched.
func (s *Store) SetGroupModelOverride(ctx context.Context, folder, model string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE registered_groups SET model_override = ? WHERE folder = ?;`, nullString(model), folder)
		if err != nil {
			return fmt.Errorf("set group model override: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("group folder %q not found", folder)
		}
		return nil
	})
}

// UnregisterGroup removes a registered group. The main group can never be
// removed.
func (s *Store) UnregisterGroup(ctx context.Context, chatID string) error {
	return retryOnBusy(ctx, 5, func() error {
		var folder string
		err := s.db.QueryRowContext(ctx, `SELECT folder FROM registered_groups WHERE chat_id = ?;`, chatID).Scan(&folder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup group for unregister: %w", err)
		}
		if folder == MainGroupFolder {
			return ErrMainGroupProtected
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM registered_groups WHERE chat_id = ?;`, chatID); err != nil {
			return fmt.Errorf("unregister group: %w", err)
		}
		return nil
	})
}

// GetGroupByChat looks up a registered group by chat id.
func (s *Store) GetGroupByChat(ctx context.Context, chatID string) (*RegisteredGroup, error) {
	return s.scanOneGroup(ctx, `WHERE chat_id = ?`, chatID)
}

// GetGroupByFolder looks up a registered group by folder.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (*RegisteredGroup, error) {
	return s.scanOneGroup(ctx, `WHERE folder = ?`, folder)
}

func (s *Store) scanOneGroup(ctx context.Context, where string, arg any) (*RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, name, folder, COALESCE(trigger_pattern, ''), added_at, COALESCE(container_config, ''), COALESCE(model_override, '')
		FROM registered_groups `+where+`;
	`, arg)
	var g RegisteredGroup
	if err := row.Scan(&g.ChatID, &g.Name, &g.Folder, &g.TriggerPattern, &g.AddedAt, &g.ContainerConfig, &g.ModelOverride); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan group: %w", err)
	}
	return &g, nil
}

// ListGroups returns every registered group.
func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, name, folder, COALESCE(trigger_pattern, ''), added_at, COALESCE(container_config, ''), COALESCE(model_override, '')
		FROM registered_groups ORDER BY added_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		if err := rows.Scan(&g.ChatID, &g.Name, &g.Folder, &g.TriggerPattern, &g.AddedAt, &g.ContainerConfig, &g.ModelOverride); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetSession returns the session id bound to a group folder, or "" if none.
func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	var sid string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE group_folder = ?;`, groupFolder).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return sid, nil
}

// SetSession upserts the one session id bound to a group folder.
func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
			ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id;
		`, groupFolder, sessionID)
		if err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		return nil
	})
}

// ClearSession drops the persisted session for a group (used before
// starting a fresh session for a recurring scheduled task).
func (s *Store) ClearSession(ctx context.Context, groupFolder string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE group_folder = ?;`, groupFolder)
		if err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		return nil
	})
}
