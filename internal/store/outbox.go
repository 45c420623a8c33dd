package store

import (
	"database/sql"
	"time"
)

// EnqueueOutbox adds a mutation to the durable outbox.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.State == "" {
		e.State = OutboxQueued
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (id, kind, entity_id, conv_id, payload, attempts, next_attempt_at, state, terminal, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.EntityID, e.ConvID, string(e.Payload), e.Attempts, e.NextAttemptAt, e.State, e.Terminal, e.LastError, e.CreatedAt, now)
	return err
}

// ReadyOutbox returns queued entries whose retry time has arrived, oldest
// first so per-conversation order is preserved.
func (db *DB) ReadyOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, kind, entity_id, conv_id, payload, attempts, next_attempt_at, state, terminal, last_error, created_at
		FROM outbox
		WHERE state = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, rowid ASC`, OutboxQueued, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single entry by ID, nil if absent.
func (db *DB) GetOutbox(id string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, kind, entity_id, conv_id, payload, attempts, next_attempt_at, state, terminal, last_error, created_at
		FROM outbox WHERE id = ?`, id)
	e, err := scanOutbox(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListFailedOutbox returns failed entries for inspection; they stay in the
// table with their last error and attempt count until acked or cancelled.
func (db *DB) ListFailedOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, kind, entity_id, conv_id, payload, attempts, next_attempt_at, state, terminal, last_error, created_at
		FROM outbox WHERE state = ? ORDER BY created_at ASC`, OutboxFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending moves an entry to 'sending' for the duration of one
// transmission attempt. Retries for a single entry are strictly sequential.
func (db *DB) MarkOutboxSending(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET state = ?, updated_at = ? WHERE id = ?`, OutboxSending, now, id)
	return err
}

// RecoverOutbox re-queues entries left in 'sending' by a crash between
// attempt start and resolution. Runs once at startup, before the sender;
// the remote write path is idempotent, so re-attempting a possibly-completed
// entry is safe. Returns the number of recovered entries.
func (db *DB) RecoverOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET state = ?, updated_at = ? WHERE state = ?`,
		OutboxQueued, now, OutboxSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AckOutbox removes an entry after confirmed remote success.
func (db *DB) AckOutbox(id string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// AckOutboxByEntity removes queued entries of the given kind for an entity.
// Used when a parent creation is transmitted inline ahead of a child write.
func (db *DB) AckOutboxByEntity(kind, entityID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE kind = ? AND entity_id = ?`, kind, entityID)
	return err
}

// RescheduleOutbox re-queues an entry after a transient failure.
func (db *DB) RescheduleOutbox(id string, attempts int, nextAttemptAt int64, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, OutboxQueued, attempts, nextAttemptAt, lastError, now, id)
	return err
}

// FailOutbox marks an entry failed. Terminal failures are never auto-retried;
// non-terminal ones await an explicit user retry.
func (db *DB) FailOutbox(id string, terminal bool, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET state = ?, terminal = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, OutboxFailed, terminal, lastError, now, id)
	return err
}

// RequeueOutbox moves a non-terminal failed entry back to queued with a fresh
// retry budget (user-initiated retry).
func (db *DB) RequeueOutbox(id string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET state = ?, attempts = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE id = ? AND state = ? AND terminal = 0`, OutboxQueued, now, id, OutboxFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelOutbox deletes an entry while it is still queued. Entries mid-flight
// cannot be cancelled. Returns true if the entry was removed.
func (db *DB) CancelOutbox(id string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE id = ? AND state IN (?, ?)`, id, OutboxQueued, OutboxFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateOutboxPayload persists server-assigned fields captured mid-attempt
// (minted message ID, sequence number) so a retried transmission reuses them.
func (db *DB) UpdateOutboxPayload(id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET payload = ?, updated_at = ? WHERE id = ?`, string(payload), now, id)
	return err
}

func scanOutbox(scan func(...any) error) (*OutboxEntry, error) {
	var e OutboxEntry
	var payload string
	if err := scan(&e.ID, &e.Kind, &e.EntityID, &e.ConvID, &payload, &e.Attempts, &e.NextAttemptAt, &e.State, &e.Terminal, &e.LastError, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}
