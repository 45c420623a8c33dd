package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasmbraz/syncbox/internal/status"
)

// InsertConversation inserts a conversation if no row with the same identity
// exists. Returns true if a row was inserted. Identity and participants are
// immutable after creation, so a losing racer is simply a no-op.
func (db *DB) InsertConversation(c *Conversation) (bool, error) {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal participants: %w", err)
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return false, fmt.Errorf("marshal admins: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO conversations (id, participants, admins, last_message_at, last_message_preview, last_message_author, unread_count, archived, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, string(participants), string(admins), c.LastMessageAt, c.LastMessagePreview, c.LastMessageAuthor, c.UnreadCount, c.Archived, string(c.SyncState), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetConversation returns a single conversation by ID, nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants, admins, syncState string
	err := db.QueryRow(`
		SELECT id, participants, admins, last_message_at, last_message_preview, last_message_author, unread_count, archived, sync_state
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &admins, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageAuthor, &c.UnreadCount, &c.Archived, &syncState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
		return nil, fmt.Errorf("unmarshal admins: %w", err)
	}
	c.SyncState = status.SyncState(syncState)
	return &c, nil
}

// ListConversations returns conversations sorted by last activity descending.
// Archived conversations are excluded unless includeArchived is set.
func (db *DB) ListConversations(limit, offset int, includeArchived bool) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	archived := 1
	if !includeArchived {
		archived = 0
	}
	rows, err := db.Query(`
		SELECT id, participants, admins, last_message_at, last_message_preview, last_message_author, unread_count, archived, sync_state
		FROM conversations
		WHERE archived <= ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, archived, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants, admins, syncState string
		if err := rows.Scan(&c.ID, &participants, &admins, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageAuthor, &c.UnreadCount, &c.Archived, &syncState); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
			return nil, fmt.Errorf("unmarshal admins: %w", err)
		}
		c.SyncState = status.SyncState(syncState)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversationSummary advances the last-activity summary. The MAX guard
// keeps an out-of-order delta from rolling the preview back in time.
func (db *DB) UpdateConversationSummary(id string, at int64, preview, author string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_author = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_author END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`,
		at, preview, at, author, at, now, id)
	return err
}

// SetConversationSyncState updates the sync lifecycle stage of a conversation.
// Disallowed transitions (synced is final) are ignored.
func (db *DB) SetConversationSyncState(id string, st status.SyncState) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT sync_state FROM conversations WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if status.SyncState(current) == st || !status.CanTransition(status.SyncState(current), st) {
		return nil
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET sync_state = ?, updated_at = ? WHERE id = ?`, string(st), now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetUnreadCount overwrites the per-viewer unread counter. The remote store
// maintains the counter; the local value is only a cache.
func (db *DB) SetUnreadCount(id string, count int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`, count, now, id)
	return err
}

// SetAdmins replaces the administrative role set.
func (db *DB) SetAdmins(id string, adminSet []string) error {
	admins, err := json.Marshal(adminSet)
	if err != nil {
		return fmt.Errorf("marshal admins: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`UPDATE conversations SET admins = ?, updated_at = ? WHERE id = ?`, string(admins), now, id)
	return err
}

// SetArchived flips the archival flag.
func (db *DB) SetArchived(id string, archived bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?`, archived, now, id)
	return err
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conv_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
