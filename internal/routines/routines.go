// Package routines holds the nightly jobs run by the scheduler. Both create
// sessions through the registry's create funnel and check their kill switch
// before doing anything.
package routines

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Routine names as they appear in the schedule table.
const (
	EvolutionName = "nightly-evolution"
	QAName        = "nightly-qa"
)

// Creator is the session creation funnel.
type Creator interface {
	Create(ctx context.Context, req models.CreateRequest) (*models.Session, error)
}

// Deferrer holds a create request for a later attempt.
type Deferrer interface {
	Enqueue(req models.CreateRequest) models.QueueEntry
}

// Evolution dispatches the first pending task of a YAML backlog.
type Evolution struct {
	creator  Creator
	deferrer Deferrer
	path     string
	source   string
	disabled func() bool
	logger   *zap.Logger
	now      func() time.Time

	// mu serializes backlog reads and writes.
	mu sync.Mutex
}

// NewEvolution creates the evolution routine. disabled may be nil.
func NewEvolution(creator Creator, backlogPath, source string, disabled func() bool, logger *zap.Logger) *Evolution {
	return &Evolution{
		creator:  creator,
		path:     backlogPath,
		source:   source,
		disabled: disabled,
		logger:   logging.OrNop(logger).Named("evolution"),
		now:      time.Now,
	}
}

// DeferTo makes rate limited and circuit open failures enqueue the task in d
// instead of failing the run.
func (e *Evolution) DeferTo(d Deferrer) *Evolution {
	e.deferrer = d
	return e
}

// Name implements scheduler.Routine.
func (e *Evolution) Name() string { return EvolutionName }

// Run creates a session for the next pending task and marks it dispatched.
func (e *Evolution) Run(ctx context.Context) error {
	if e.disabled != nil && e.disabled() {
		e.logger.Info("nightly evolution disabled, skipping")
		return nil
	}
	if e.path == "" {
		e.logger.Info("no backlog configured")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	backlog, err := LoadBacklog(e.path)
	if err != nil {
		return err
	}
	i := backlog.NextPending()
	if i < 0 {
		e.logger.Info("backlog empty", zap.String("path", e.path))
		return nil
	}
	task := backlog.Tasks[i]

	source := task.Source
	if source == "" {
		source = e.source
	}
	req := models.CreateRequest{
		Prompt: task.Prompt,
		Title:  models.Truncate("Evolution: "+firstNonEmpty(task.Title, task.ID), 80),
		Source: source,
		Origin: models.OriginEvolution,
	}
	s, err := e.creator.Create(ctx, req)
	if err != nil && e.deferrer != nil && models.IsTransient(err) {
		entry := e.deferrer.Enqueue(req)
		backlog.Tasks[i].Status = TaskQueued
		backlog.Tasks[i].QueueEntryID = entry.ID
		if err := backlog.Save(e.path); err != nil {
			return fmt.Errorf("task %s queued as %s but backlog not updated: %w", task.ID, entry.ID, err)
		}
		e.logger.Warn("backlog task deferred to queue",
			zap.String("task", task.ID),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch backlog task %s: %w", task.ID, err)
	}

	backlog.Tasks[i].Status = TaskDispatched
	backlog.Tasks[i].SessionID = s.ID
	backlog.Tasks[i].DispatchedAt = e.now().UTC()
	if err := backlog.Save(e.path); err != nil {
		// The session exists; the next run would dispatch the task again.
		return fmt.Errorf("session %s created but backlog not updated: %w", s.ID, err)
	}

	e.logger.Info("backlog task dispatched",
		zap.String("task", task.ID),
		zap.String("session_id", s.ID))
	return nil
}

// Pending returns the tasks that still need a session.
func (e *Evolution) Pending() ([]Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	backlog, err := LoadBacklog(e.path)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range backlog.Tasks {
		if t.Pending() {
			out = append(out, t)
		}
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

const qaPrompt = `Run an end-to-end verification pass of the application.

Build the project, run the full test suite and exercise the main user flows.
Fix any regression you find, keeping each fix minimal, and open a pull request
that lists every issue found with its fix. If nothing is broken, open no pull request
and report the checks you ran.`

// QA creates a nightly verification session against the default source.
type QA struct {
	creator  Creator
	deferrer Deferrer
	source   string
	disabled func() bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewQA creates the QA routine. disabled may be nil.
func NewQA(creator Creator, source string, disabled func() bool, logger *zap.Logger) *QA {
	return &QA{
		creator:  creator,
		source:   source,
		disabled: disabled,
		logger:   logging.OrNop(logger).Named("qa"),
		now:      time.Now,
	}
}

// DeferTo makes rate limited and circuit open failures enqueue the session
// request in d instead of failing the run.
func (q *QA) DeferTo(d Deferrer) *QA {
	q.deferrer = d
	return q
}

// Name implements scheduler.Routine.
func (q *QA) Name() string { return QAName }

// Run creates the verification session.
func (q *QA) Run(ctx context.Context) error {
	if q.disabled != nil && q.disabled() {
		q.logger.Info("nightly QA disabled, skipping")
		return nil
	}
	req := models.CreateRequest{
		Prompt: qaPrompt,
		Title:  "Nightly QA " + q.now().Format("2006-01-02"),
		Source: q.source,
		Origin: models.OriginQA,
	}
	s, err := q.creator.Create(ctx, req)
	if err != nil && q.deferrer != nil && models.IsTransient(err) {
		entry := q.deferrer.Enqueue(req)
		q.logger.Warn("QA session deferred to queue",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create QA session: %w", err)
	}
	q.logger.Info("QA session created", zap.String("session_id", s.ID))
	return nil
}
