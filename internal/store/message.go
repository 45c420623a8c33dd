package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasmbraz/syncbox/internal/status"
)

// InsertMessage inserts a message if no row with the same identity exists.
// Returns true if a row was inserted; false means the identity is already
// present (delta redelivery, or the echo of an own write).
func (db *DB) InsertMessage(m *Message) (bool, error) {
	receipts, err := json.Marshal(orEmpty(m.ReadReceipts))
	if err != nil {
		return false, fmt.Errorf("marshal read receipts: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (conv_id, id, author, body, attachment_url, local_ts, server_ts, seq, delivery, sync_state, retry_count, read_receipts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, id) DO NOTHING`,
		m.ConvID, m.ID, m.Author, m.Body, m.AttachmentURL, m.LocalTS, m.ServerTS, m.Seq, string(m.Delivery), string(m.SyncState), m.RetryCount, string(receipts), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage returns a single message, nil if absent.
func (db *DB) GetMessage(convID, id string) (*Message, error) {
	row := db.QueryRow(`
		SELECT conv_id, id, author, body, attachment_url, local_ts, server_ts, seq, delivery, sync_state, retry_count, read_receipts
		FROM messages WHERE conv_id = ? AND id = ?`, convID, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessageExists reports whether a message with the given identity is stored.
func (db *DB) MessageExists(convID, id string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE conv_id = ? AND id = ?`, convID, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListMessages returns messages for a conversation ordered by local creation
// time. Callers apply the ordering resolver for final display order.
func (db *DB) ListMessages(convID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT conv_id, id, author, body, attachment_url, local_ts, server_ts, seq, delivery, sync_state, retry_count, read_receipts
		FROM messages
		WHERE conv_id = ?
		ORDER BY local_ts ASC
		LIMIT ?`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// FinalizeMessage rewrites a pending message under its server-assigned
// identity and marks it synced. Idempotent: if the placeholder row is gone
// the server row already exists and nothing happens.
func (db *DB) FinalizeMessage(convID, localID, serverID string, serverTS, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET id = ?, server_ts = ?, seq = ?, sync_state = ?
		WHERE conv_id = ? AND id = ?
		AND NOT EXISTS (SELECT 1 FROM messages WHERE conv_id = ? AND id = ?)`,
		serverID, serverTS, seq, string(status.Synced), convID, localID, convID, serverID)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID)
	return err
}

// SetMessageSyncState updates the sync lifecycle stage and retry counter of
// a message. Disallowed transitions (synced is final) are ignored; setting
// the current state again still refreshes the retry counter.
func (db *DB) SetMessageSyncState(convID, id string, st status.SyncState, retryCount int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT sync_state FROM messages WHERE conv_id = ? AND id = ?`, convID, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if status.SyncState(current) != st && !status.CanTransition(status.SyncState(current), st) {
		return nil
	}
	if _, err := tx.Exec(`UPDATE messages SET sync_state = ?, retry_count = ? WHERE conv_id = ? AND id = ?`,
		string(st), retryCount, convID, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AdvanceDelivery moves a message's delivery status forward. Regression is
// impossible regardless of delta order; stale deltas are no-ops.
func (db *DB) AdvanceDelivery(convID, id string, d status.Delivery) error {
	if !status.ValidDelivery(d) {
		return fmt.Errorf("unknown delivery status %q", d)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT delivery FROM messages WHERE conv_id = ? AND id = ?`, convID, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	next := status.Advance(status.Delivery(current), d)
	if next == status.Delivery(current) {
		return nil
	}
	if _, err := tx.Exec(`UPDATE messages SET delivery = ? WHERE conv_id = ? AND id = ?`,
		string(next), convID, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MergeReadReceipts unions per-recipient read timestamps into a message,
// keeping the earliest timestamp per recipient. Runs in a transaction so
// concurrent merges on the same identity cannot lose writes.
func (db *DB) MergeReadReceipts(convID, id string, receipts map[string]int64) error {
	if len(receipts) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRow(`SELECT read_receipts FROM messages WHERE conv_id = ? AND id = ?`, convID, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	current := map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return fmt.Errorf("unmarshal read receipts: %w", err)
	}
	for actor, ts := range receipts {
		if existing, ok := current[actor]; !ok || ts < existing {
			current[actor] = ts
		}
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal read receipts: %w", err)
	}
	if _, err := tx.Exec(`UPDATE messages SET read_receipts = ? WHERE conv_id = ? AND id = ?`, string(merged), convID, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessage removes a message.
func (db *DB) DeleteMessage(convID, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conv_id = ? AND id = ?`, convID, id)
	return err
}

func scanMessage(scan func(...any) error) (*Message, error) {
	var m Message
	var delivery, syncState, receipts string
	if err := scan(&m.ConvID, &m.ID, &m.Author, &m.Body, &m.AttachmentURL, &m.LocalTS, &m.ServerTS, &m.Seq, &delivery, &syncState, &m.RetryCount, &receipts); err != nil {
		return nil, err
	}
	m.Delivery = status.Delivery(delivery)
	m.SyncState = status.SyncState(syncState)
	if err := json.Unmarshal([]byte(receipts), &m.ReadReceipts); err != nil {
		return nil, fmt.Errorf("unmarshal read receipts: %w", err)
	}
	return &m, nil
}

func orEmpty(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
