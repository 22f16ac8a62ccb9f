package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// InterruptedSessions describes sessions that were still live when the
// previous process stopped. Their remote state may have moved on since.
type InterruptedSessions struct {
	// Active are non-terminal sessions that need a refresh from the remote.
	Active []models.Session
	// Stale are the subset of Active with no activity for longer than the stale window.
	Stale []models.Session
	// QueueDepth is the number of persisted queue entries awaiting dispatch.
	QueueDepth int
}

// RecoveryManager inspects persisted state on startup.
type RecoveryManager struct {
	db  *DB
	now func() time.Time
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, now: time.Now}
}

// CheckForInterrupted lists sessions left non-terminal by the previous run.
// It returns nil when there is nothing to recover.
func (rm *RecoveryManager) CheckForInterrupted(staleAfter time.Duration) (*InterruptedSessions, error) {
	sessions, err := rm.db.ListSessions(nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	queue, err := rm.db.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	info := &InterruptedSessions{QueueDepth: len(queue)}
	now := rm.now()
	for _, s := range sessions {
		if s.State.Terminal() {
			continue
		}
		info.Active = append(info.Active, s)
		if staleAfter > 0 && s.Stale(now, staleAfter) {
			info.Stale = append(info.Stale, s)
		}
	}

	if len(info.Active) == 0 && info.QueueDepth == 0 {
		return nil, nil
	}
	return info, nil
}
