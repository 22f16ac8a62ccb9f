package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// SessionStore handles session persistence.
type SessionStore interface {
	SaveSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	DeleteSession(id string) error
	ClearSessions() error
	ListSessions(state *models.SessionState) ([]models.Session, error)
}

// BatchStore handles batch persistence.
type BatchStore interface {
	SaveBatch(b *models.BatchRequest) error
	GetBatch(id string) (*models.BatchRequest, error)
	ListBatches() ([]models.BatchRequest, error)
}

// QueueStore persists the deferred session backlog.
type QueueStore interface {
	SaveQueue(entries []models.QueueEntry) error
	LoadQueue() ([]models.QueueEntry, error)
}

// ScheduleStore persists the scheduler's per-routine table.
type ScheduleStore interface {
	SaveScheduleRecord(r ScheduleRecord) error
	LoadSchedule() (map[string]ScheduleRecord, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore composes every store the engine needs.
// Components depend on the narrow interfaces; the engine holds this one.
type StateStore interface {
	io.Closer
	Migrator
	SessionStore
	BatchStore
	QueueStore
	ScheduleStore
	PurgeOldSessions(olderThan time.Duration) (int64, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore    = (*DB)(nil)
	_ SessionStore  = (*DB)(nil)
	_ BatchStore    = (*DB)(nil)
	_ QueueStore    = (*DB)(nil)
	_ ScheduleStore = (*DB)(nil)
)
