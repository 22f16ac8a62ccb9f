package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// SaveBatch inserts or replaces a batch and all of its items.
func (db *DB) SaveBatch(b *models.BatchRequest) error {
	sources, err := json.Marshal(b.SourceList)
	if err != nil {
		return fmt.Errorf("encode source list: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO batches (id, label, source_list, repo, expansion_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET expansion_error = excluded.expansion_error
		`, b.ID, nullString(b.Label), string(sources), nullString(b.Repo), nullString(b.ExpansionError), formatTime(b.CreatedAt))
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM batch_items WHERE batch_id = ?", b.ID); err != nil {
			return fmt.Errorf("reset batch items: %w", err)
		}
		for i, it := range b.Items {
			retries, err := json.Marshal(it.Retries)
			if err != nil {
				return fmt.Errorf("encode retries: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO batch_items (batch_id, position, item_key, title, session_id, error, retries)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, b.ID, i, it.Key, nullString(it.Title), nullString(it.SessionID), nullString(it.Error), string(retries))
			if err != nil {
				return fmt.Errorf("save batch item %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetBatch retrieves a batch with its items. It returns nil, nil when absent.
func (db *DB) GetBatch(id string) (*models.BatchRequest, error) {
	row := db.QueryRow(`
		SELECT id, label, source_list, repo, expansion_error, created_at
		FROM batches WHERE id = ?
	`, id)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	if b.Items, err = db.batchItems(id); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBatches returns every batch, oldest first, with items.
func (db *DB) ListBatches() ([]models.BatchRequest, error) {
	rows, err := db.Query(`
		SELECT id, label, source_list, repo, expansion_error, created_at
		FROM batches ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	var batches []models.BatchRequest
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range batches {
		if batches[i].Items, err = db.batchItems(batches[i].ID); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (db *DB) batchItems(batchID string) ([]models.BatchItem, error) {
	rows, err := db.Query(`
		SELECT item_key, title, session_id, error, retries
		FROM batch_items WHERE batch_id = ? ORDER BY position
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()

	var items []models.BatchItem
	for rows.Next() {
		var it models.BatchItem
		var title, sessionID, errText, retries sql.NullString
		if err := rows.Scan(&it.Key, &title, &sessionID, &errText, &retries); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		it.Title = title.String
		it.SessionID = sessionID.String
		it.Error = errText.String
		if retries.Valid && retries.String != "" && retries.String != "null" {
			if err := json.Unmarshal([]byte(retries.String), &it.Retries); err != nil {
				return nil, fmt.Errorf("decode retries: %w", err)
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanBatch(sc scanner) (*models.BatchRequest, error) {
	var b models.BatchRequest
	var label, sources, repo, expErr sql.NullString
	var createdAt string

	if err := sc.Scan(&b.ID, &label, &sources, &repo, &expErr, &createdAt); err != nil {
		return nil, err
	}
	b.Label = label.String
	b.Repo = repo.String
	b.ExpansionError = expErr.String
	b.CreatedAt, _ = parseTime(createdAt)
	if sources.Valid && sources.String != "" && sources.String != "null" {
		if err := json.Unmarshal([]byte(sources.String), &b.SourceList); err != nil {
			return nil, fmt.Errorf("decode source list: %w", err)
		}
	}
	return &b, nil
}
