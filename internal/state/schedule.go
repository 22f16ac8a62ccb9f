package state

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduleRecord is one row of the schedule table.
type ScheduleRecord struct {
	Routine      string    `json:"routine"`
	LastFiredDay string    `json:"last_fired_day,omitempty"`
	NextEligible time.Time `json:"next_eligible"`
	LastRunAt    time.Time `json:"last_run_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Runs         int       `json:"runs"`
}

// SaveScheduleRecord inserts or replaces a routine's schedule row.
func (db *DB) SaveScheduleRecord(r ScheduleRecord) error {
	_, err := db.Exec(`
		INSERT INTO schedule (routine, last_fired_day, next_eligible, last_run_at, last_error, runs)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(routine) DO UPDATE SET
			last_fired_day = excluded.last_fired_day,
			next_eligible = excluded.next_eligible,
			last_run_at = excluded.last_run_at,
			last_error = excluded.last_error,
			runs = excluded.runs
	`, r.Routine, nullString(r.LastFiredDay), nullTime(r.NextEligible), nullTime(r.LastRunAt), nullString(r.LastError), r.Runs)
	if err != nil {
		return fmt.Errorf("save schedule record: %w", err)
	}
	return nil
}

// LoadSchedule returns every schedule row keyed by routine name.
func (db *DB) LoadSchedule() (map[string]ScheduleRecord, error) {
	rows, err := db.Query(`
		SELECT routine, last_fired_day, next_eligible, last_run_at, last_error, runs
		FROM schedule
	`)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ScheduleRecord)
	for rows.Next() {
		var r ScheduleRecord
		var lastDay, nextEligible, lastRun, lastErr sql.NullString
		if err := rows.Scan(&r.Routine, &lastDay, &nextEligible, &lastRun, &lastErr, &r.Runs); err != nil {
			return nil, fmt.Errorf("scan schedule record: %w", err)
		}
		r.LastFiredDay = lastDay.String
		r.NextEligible = parseNullableTime(nextEligible)
		r.LastRunAt = parseNullableTime(lastRun)
		r.LastError = lastErr.String
		out[r.Routine] = r
	}
	return out, rows.Err()
}
