package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// SaveQueue replaces the persisted backlog with entries, in order.
func (db *DB) SaveQueue(entries []models.QueueEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM queue_entries"); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		for i, e := range entries {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("encode queue payload: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO queue_entries (id, position, payload, enqueued_at, attempts, last_error)
				VALUES (?, ?, ?, ?, ?, ?)
			`, e.ID, i, string(payload), formatTime(e.EnqueuedAt), e.Attempts, nullString(e.LastError))
			if err != nil {
				return fmt.Errorf("save queue entry: %w", err)
			}
		}
		return nil
	})
}

// LoadQueue returns the persisted backlog in FIFO order.
func (db *DB) LoadQueue() ([]models.QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, payload, enqueued_at, attempts, last_error
		FROM queue_entries ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var payload, enqueuedAt string
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &payload, &enqueuedAt, &e.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode queue payload: %w", err)
		}
		e.EnqueuedAt, _ = parseTime(enqueuedAt)
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
