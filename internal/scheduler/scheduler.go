// Package scheduler fires nightly routines once per calendar day at a target
// hour in a reference timezone.
//
// Each routine has a row in the schedule table with the day it last fired and
// the earliest instant it may fire again. A tick fires a routine when the local
// hour matches, it has not fired today, and NextEligible has passed. NextEligible
// is the target hour of the next calendar day, built with time.Date in the zone
// so DST shifts move it correctly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// ErrRoutineRunning is returned by Trigger when the routine is already running.
var ErrRoutineRunning = fmt.Errorf("routine already running: %w", models.ErrInvalidTransition)

// Routine is a unit of nightly work.
type Routine interface {
	Name() string
	Run(ctx context.Context) error
}

// Reporter receives routine panics.
type Reporter interface {
	Report(err error)
}

// Entry is one row of the schedule as exposed to operators.
type Entry struct {
	state.ScheduleRecord
	Hour    int  `json:"hour"`
	Running bool `json:"running"`
}

// Config configures a Scheduler.
type Config struct {
	Location       *time.Location
	RoutineTimeout time.Duration
}

type routineSlot struct {
	routine Routine
	hour    int
}

// Scheduler evaluates registered routines on every tick.
type Scheduler struct {
	cfg      Config
	store    state.ScheduleStore
	counters *metrics.Counters
	reporter Reporter
	logger   *zap.Logger
	now      func() time.Time

	wg sync.WaitGroup

	mu      sync.Mutex
	slots   []routineSlot
	table   map[string]*state.ScheduleRecord
	running map[string]bool
}

// New creates a scheduler. store, counters and reporter may be nil.
func New(cfg Config, store state.ScheduleStore, counters *metrics.Counters, reporter Reporter, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RoutineTimeout <= 0 {
		cfg.RoutineTimeout = 10 * time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		counters: counters,
		reporter: reporter,
		logger:   logging.OrNop(logger).Named("scheduler"),
		now:      time.Now,
		table:    make(map[string]*state.ScheduleRecord),
		running:  make(map[string]bool),
	}
}

// Register adds a routine that fires at hour (0-23) local time.
func (s *Scheduler) Register(r Routine, hour int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("routine %s hour %d out of range: %w", r.Name(), hour, models.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.routine.Name() == r.Name() {
			return fmt.Errorf("routine %s already registered: %w", r.Name(), models.ErrValidation)
		}
	}
	s.slots = append(s.slots, routineSlot{routine: r, hour: hour})
	if _, ok := s.table[r.Name()]; !ok {
		s.table[r.Name()] = &state.ScheduleRecord{Routine: r.Name()}
	}
	return nil
}

// Restore loads persisted schedule rows for registered routines.
func (s *Scheduler) Restore() error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.LoadSchedule()
	if err != nil {
		return fmt.Errorf("restore schedule: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range rows {
		if _, ok := s.table[name]; ok {
			rec := rec
			s.table[name] = &rec
		}
	}
	return nil
}

// nextEligible is the target hour on the calendar day after local.
func nextEligible(local time.Time, hour int, loc *time.Location) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
}

// Tick evaluates every routine at the current time and starts those that are
// due. It returns the names started.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	local := now.In(s.cfg.Location)
	today := local.Format("2006-01-02")

	var fired []string
	s.mu.Lock()
	for _, slot := range s.slots {
		name := slot.routine.Name()
		rec := s.table[name]
		if local.Hour() != slot.hour || rec.LastFiredDay == today || now.Before(rec.NextEligible) {
			continue
		}
		if s.running[name] {
			s.logger.Warn("routine still running, skipping", zap.String("routine", name))
			continue
		}
		rec.LastFiredDay = today
		rec.NextEligible = nextEligible(local, slot.hour, s.cfg.Location)
		s.persistLocked(*rec)
		s.running[name] = true
		fired = append(fired, name)

		s.wg.Add(1)
		go func(r Routine) {
			defer s.wg.Done()
			s.execute(ctx, r)
		}(slot.routine)
	}
	s.mu.Unlock()

	for _, name := range fired {
		s.logger.Info("routine fired", zap.String("routine", name), zap.String("day", today))
	}
	return fired
}

// Trigger runs the named routine now and waits for it. The calendar gate is
// left untouched.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var r Routine
	for _, slot := range s.slots {
		if slot.routine.Name() == name {
			r = slot.routine
		}
	}
	if r == nil {
		s.mu.Unlock()
		return fmt.Errorf("routine %s: %w", name, models.ErrNotFound)
	}
	if s.running[name] {
		s.mu.Unlock()
		return fmt.Errorf("routine %s: %w", name, ErrRoutineRunning)
	}
	s.running[name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.logger.Info("routine triggered", zap.String("routine", name))
	return s.execute(ctx, r)
}

// execute runs one routine with the timeout and converts panics to errors.
// Failures never propagate past the routine boundary except to Trigger.
func (s *Scheduler) execute(ctx context.Context, r Routine) (err error) {
	name := r.Name()
	start := s.now()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RoutineTimeout)
	defer cancel()

	defer func() {
		reported := false
		if p := recover(); p != nil {
			err = fmt.Errorf("routine %s panicked: %v", name, p)
			s.logger.Error("routine panic",
				zap.String("routine", name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			if s.reporter != nil {
				s.reporter.Report(err)
				reported = true
			}
		}
		s.finish(name, start, err, !reported)
	}()

	err = r.Run(runCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("routine %s timed out after %s: %w", name, s.cfg.RoutineTimeout, err)
	}
	return err
}

// finish records the outcome. countError is false when the reporter already
// counted the failure.
func (s *Scheduler) finish(name string, start time.Time, err error, countError bool) {
	s.counters.RoutineRun(err != nil)
	if err != nil {
		if countError {
			s.counters.Error()
		}
		s.logger.Warn("routine failed",
			zap.String("routine", name),
			zap.Duration("elapsed", s.now().Sub(start)),
			zap.Error(err))
	} else {
		s.logger.Info("routine finished",
			zap.String("routine", name),
			zap.Duration("elapsed", s.now().Sub(start)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	rec := s.table[name]
	rec.LastRunAt = start.UTC()
	rec.Runs++
	rec.LastError = ""
	if err != nil {
		rec.LastError = err.Error()
	}
	s.persistLocked(*rec)
}

func (s *Scheduler) persistLocked(rec state.ScheduleRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveScheduleRecord(rec); err != nil {
		s.logger.Error("persist schedule", zap.String("routine", rec.Routine), zap.Error(err))
	}
}

// Table returns the schedule sorted by routine name.
func (s *Scheduler) Table() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.slots))
	for _, slot := range s.slots {
		name := slot.routine.Name()
		out = append(out, Entry{
			ScheduleRecord: *s.table[name],
			Hour:           slot.hour,
			Running:        s.running[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Routine < out[j].Routine })
	return out
}

// Wait blocks until every started routine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run ticks immediately and then every interval until ctx is done, then waits
// for running routines.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive: %w", models.ErrValidation)
	}
	defer s.Wait()

	s.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
