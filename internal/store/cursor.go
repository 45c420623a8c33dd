package store

import (
	"database/sql"
	"time"
)

// SetCursor records the last applied delta sequence for a subscription scope.
func (db *DB) SetCursor(scope string, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		"cursor:"+scope, seq, now)
	return err
}

// GetCursor returns the last applied delta sequence for a scope, 0 if none.
func (db *DB) GetCursor(scope string) (int64, error) {
	var seq int64
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, "cursor:"+scope).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}
