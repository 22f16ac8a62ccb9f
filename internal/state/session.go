package state

import (
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

const sessionColumns = `id, state, remote_state, source, title, prompt, starting_branch,
	automation_mode, origin, batch_id, retry_of, pull_request_url, url, created_at, last_activity_at`

// SaveSession inserts or replaces a session.
func (db *DB) SaveSession(s *models.Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			remote_state = excluded.remote_state,
			pull_request_url = excluded.pull_request_url,
			url = excluded.url,
			last_activity_at = excluded.last_activity_at
	`,
		s.ID, string(s.State), nullString(s.RemoteState), s.Source, nullString(s.Title), s.Prompt,
		nullString(s.StartingBranch), nullString(string(s.AutomationMode)), nullString(string(s.Origin)),
		nullString(s.BatchID), nullString(s.RetryOf), nullString(s.PullRequestURL), nullString(s.URL),
		formatTime(s.CreatedAt), formatTime(s.LastActivityAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. It returns nil, nil when absent.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// DeleteSession deletes a session by ID.
func (db *DB) DeleteSession(id string) error {
	_, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ClearSessions deletes every session.
func (db *DB) ClearSessions() error {
	if _, err := db.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// ListSessions lists all sessions, optionally filtered by state, oldest first.
func (db *DB) ListSessions(state *models.SessionState) ([]models.Session, error) {
	var rows *sql.Rows
	var err error

	if state != nil {
		rows, err = db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY created_at`, string(*state))
	} else {
		rows, err = db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*models.Session, error) {
	var s models.Session
	var state string
	var remoteState, title, branch, mode, origin, batchID, retryOf, prURL, url sql.NullString
	var createdAt, lastActivity string

	err := sc.Scan(&s.ID, &state, &remoteState, &s.Source, &title, &s.Prompt, &branch,
		&mode, &origin, &batchID, &retryOf, &prURL, &url, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}

	s.State = models.SessionState(state)
	s.RemoteState = remoteState.String
	s.Title = title.String
	s.StartingBranch = branch.String
	s.AutomationMode = models.AutomationMode(mode.String)
	s.Origin = models.Origin(origin.String)
	s.BatchID = batchID.String
	s.RetryOf = retryOf.String
	s.PullRequestURL = prURL.String
	s.URL = url.String
	s.CreatedAt, _ = parseTime(createdAt)
	s.LastActivityAt, _ = parseTime(lastActivity)
	return &s, nil
}
