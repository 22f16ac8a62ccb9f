// Package queue defers session creations that could not be admitted and
// replays them in FIFO order as capacity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Creator is the session creation funnel.
type Creator interface {
	Create(ctx context.Context, req models.CreateRequest) (*models.Session, error)
}

// DrainResult is the outcome of dispatching one entry.
type DrainResult struct {
	Entry   models.QueueEntry `json:"entry"`
	Session *models.Session   `json:"session,omitempty"`
	// Deferred means the entry went back to the front of the queue.
	Deferred bool   `json:"deferred,omitempty"`
	Error    string `json:"error,omitempty"`
	err      error
}

// Err returns the creation error, if any.
func (r DrainResult) Err() error { return r.err }

// Queue is a persisted FIFO of create requests.
type Queue struct {
	creator  Creator
	store    state.QueueStore
	counters *metrics.Counters
	pause    *PauseController
	logger   *zap.Logger
	now      func() time.Time

	// drainMu serializes drains so the head is never dispatched twice.
	drainMu sync.Mutex

	mu      sync.Mutex
	entries []models.QueueEntry
	// clears counts Clear calls; a deferred entry from an older generation
	// is not put back.
	clears uint64
}

// New creates an empty queue. store and counters may be nil.
func New(creator Creator, store state.QueueStore, counters *metrics.Counters, logger *zap.Logger) *Queue {
	logger = logging.OrNop(logger).Named("queue")
	return &Queue{
		creator:  creator,
		store:    store,
		counters: counters,
		pause:    NewPauseController(logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Restore loads the persisted backlog, replacing the in-memory one.
func (q *Queue) Restore() (int, error) {
	if q.store == nil {
		return 0, nil
	}
	entries, err := q.store.LoadQueue()
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}
	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()
	return len(entries), nil
}

// persistLocked writes the backlog. Caller holds q.mu.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	if err := q.store.SaveQueue(q.entries); err != nil {
		q.logger.Error("persist queue", zap.Int("depth", len(q.entries)), zap.Error(err))
	}
}

// Enqueue appends req to the back of the queue.
func (q *Queue) Enqueue(req models.CreateRequest) models.QueueEntry {
	e := models.QueueEntry{
		ID:         uuid.New().String(),
		Payload:    req,
		EnqueuedAt: q.now().UTC(),
	}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("request queued",
		zap.String("entry_id", e.ID),
		zap.String("origin", string(req.Origin)),
		zap.Int("depth", depth))
	return e
}

// DrainOne dispatches the oldest entry. It returns false when the queue is empty.
// Rate limited and circuit open failures put the entry back at the front;
// any other failure drops it and is reported in the result.
func (q *Queue) DrainOne(ctx context.Context) (DrainResult, bool) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return DrainResult{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	gen := q.clears
	q.mu.Unlock()

	s, err := q.creator.Create(ctx, e.Payload)
	e.Attempts++

	res := DrainResult{Entry: e, Session: s, err: err}
	switch {
	case err == nil:
		q.logger.Info("queued request dispatched",
			zap.String("entry_id", e.ID),
			zap.String("session_id", s.ID),
			zap.Duration("waited", q.now().Sub(e.EnqueuedAt)))
	case models.IsTransient(err) || errors.Is(err, context.Canceled):
		e.LastError = err.Error()
		res.Entry = e
		res.Deferred = true
		res.Error = e.LastError
		q.mu.Lock()
		cleared := q.clears != gen
		if !cleared {
			q.entries = append([]models.QueueEntry{e}, q.entries...)
		}
		q.mu.Unlock()
		if cleared {
			res.Deferred = false
			q.counters.QueueDropped()
			q.logger.Info("deferred request discarded, queue cleared during dispatch",
				zap.String("entry_id", e.ID), zap.Error(err))
			break
		}
		q.counters.QueueDeferred()
		q.logger.Debug("queued request deferred", zap.String("entry_id", e.ID), zap.Error(err))
	default:
		res.Error = err.Error()
		q.counters.QueueDropped()
		q.logger.Warn("queued request dropped",
			zap.String("entry_id", e.ID),
			zap.Int("attempts", e.Attempts),
			zap.Error(err))
	}

	q.mu.Lock()
	q.persistLocked()
	q.mu.Unlock()
	return res, true
}

// Drain dispatches up to max entries, stopping early when the queue is empty
// or an entry is deferred. max <= 0 means no limit.
func (q *Queue) Drain(ctx context.Context, max int) []DrainResult {
	var results []DrainResult
	for max <= 0 || len(results) < max {
		if ctx.Err() != nil {
			break
		}
		res, ok := q.DrainOne(ctx)
		if !ok {
			break
		}
		results = append(results, res)
		if res.Deferred {
			break
		}
	}
	return results
}

// PeekAll returns a copy of the backlog, oldest first.
func (q *Queue) PeekAll() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops every entry and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	q.clears++
	q.persistLocked()
	if n > 0 {
		q.logger.Warn("queue cleared", zap.Int("entries", n))
	}
	return n
}

// Len returns the backlog depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pauser returns the drainer's pause controller.
func (q *Queue) Pauser() *PauseController {
	return q.pause
}

// Run drains up to batch entries every interval until ctx is done.
// While paused it waits without draining.
func (q *Queue) Run(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		return fmt.Errorf("drain interval must be positive: %w", models.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := q.pause.WaitIfPaused(ctx); err != nil {
			return nil
		}
		if q.Len() == 0 {
			continue
		}
		results := q.Drain(ctx, batch)
		dispatched := 0
		for _, r := range results {
			if r.Session != nil {
				dispatched++
			}
		}
		q.logger.Debug("drain pass",
			zap.Int("attempted", len(results)),
			zap.Int("dispatched", dispatched),
			zap.Int("remaining", q.Len()))
	}
}
