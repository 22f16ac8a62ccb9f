package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	// EventApprove approves the pending plan.
	EventApprove EventKind = "approve"
	// EventCancel stops the session.
	EventCancel EventKind = "cancel"
	// EventObserve applies a state seen by polling.
	EventObserve EventKind = "observe"
)

// Event is a lifecycle change request.
type Event struct {
	Kind EventKind
	// State is the observed state for EventObserve.
	State models.SessionState
}

// Approve is the approve event.
func Approve() Event { return Event{Kind: EventApprove} }

// Cancel is the cancel event.
func Cancel() Event { return Event{Kind: EventCancel} }

// Observe is the polling event for state.
func Observe(state models.SessionState) Event { return Event{Kind: EventObserve, State: state} }

// Transition applies ev to the session and returns the updated copy.
// Disallowed transitions return ErrInvalidTransition and change nothing.
func (r *Registry) Transition(ctx context.Context, id string, ev Event) (*models.Session, error) {
	switch ev.Kind {
	case EventApprove:
		return r.remoteTransition(ctx, id, ev.Kind, models.SessionAwaitingApproval, models.SessionInProgress, r.agent.ApprovePlan)
	case EventCancel:
		return r.remoteTransition(ctx, id, ev.Kind, "", models.SessionCancelled, r.agent.CancelSession)
	case EventObserve:
		return r.observe(id, ev.State, nil)
	default:
		return nil, fmt.Errorf("unknown event %q: %w", ev.Kind, models.ErrValidation)
	}
}

// remoteTransition moves a session to target after the remote confirms call.
// When from is set the session must currently be in it.
func (r *Registry) remoteTransition(ctx context.Context, id string, kind EventKind, from, target models.SessionState, call func(context.Context, string) error) (*models.Session, error) {
	s, err := r.acquire(id)
	if err != nil {
		return nil, err
	}
	if (from != "" && s.State != from) || !s.State.CanTransition(target) {
		r.release(id)
		return nil, fmt.Errorf("%s session %s in state %s: %w", kind, id, s.State, models.ErrInvalidTransition)
	}

	err = r.holding(id, func() error { return call(ctx, id) })

	r.mu.Lock()
	r.releaseLocked(id)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("session action failed",
			zap.String("session_id", id),
			zap.String("event", string(kind)),
			zap.Error(err))
		return nil, err
	}
	cur, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s vanished during %s: %w", id, kind, models.ErrInternalInconsistency)
	}
	if cur.State.CanTransition(target) {
		r.applyLocked(cur, target)
		r.persistLocked(cur)
	}
	out := *cur
	r.mu.Unlock()

	r.logger.Info("session transitioned",
		zap.String("session_id", id),
		zap.String("event", string(kind)),
		zap.String("state", string(out.State)))
	r.afterChange(ctx, s.State, out)
	return &out, nil
}

// observe applies a polled state. Observing the current state is a no-op and
// a backwards observation is logged and ignored. remote carries the fields
// refreshed alongside the state, if any.
func (r *Registry) observe(id string, next models.SessionState, remote *models.Session) (*models.Session, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("observed state %q: %w", next, models.ErrValidation)
	}

	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	prev := cur.State
	changed := false
	if remote != nil {
		changed = mergeRemote(cur, remote)
	}
	switch {
	case next == prev:
	case prev.CanTransition(next):
		r.applyLocked(cur, next)
		changed = true
	default:
		r.logger.Warn("ignoring backwards state observation",
			zap.String("session_id", id),
			zap.String("current", string(prev)),
			zap.String("observed", string(next)))
	}
	if changed {
		r.persistLocked(cur)
	}
	out := *cur
	r.mu.Unlock()

	if out.State != prev {
		r.logger.Info("session state observed",
			zap.String("session_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(out.State)))
		r.afterChange(context.Background(), prev, out)
	}
	return &out, nil
}

// applyLocked sets the state and bumps activity. Caller holds r.mu.
func (r *Registry) applyLocked(s *models.Session, next models.SessionState) {
	s.State = next
	if now := r.now().UTC(); now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// mergeRemote copies the mutable remote fields. It reports whether anything changed.
func mergeRemote(cur, remote *models.Session) bool {
	changed := false
	if remote.RemoteState != "" && remote.RemoteState != cur.RemoteState {
		cur.RemoteState = remote.RemoteState
		changed = true
	}
	if remote.PullRequestURL != "" && remote.PullRequestURL != cur.PullRequestURL {
		cur.PullRequestURL = remote.PullRequestURL
		changed = true
	}
	if remote.URL != "" && remote.URL != cur.URL {
		cur.URL = remote.URL
		changed = true
	}
	if remote.LastActivityAt.After(cur.LastActivityAt) {
		cur.LastActivityAt = remote.LastActivityAt
		changed = true
	}
	return changed
}

// afterChange runs side effects of reaching a new state.
func (r *Registry) afterChange(ctx context.Context, prev models.SessionState, s models.Session) {
	if prev.Terminal() || !s.State.Terminal() {
		return
	}
	r.invalidateListings()
	if s.State == models.SessionFailed {
		r.counters.SessionFailed()
	}
	if r.announce == nil {
		return
	}
	msg := fmt.Sprintf("Session %s %s: %s", s.ID, s.State, s.Title)
	if s.PullRequestURL != "" {
		msg += "\n" + s.PullRequestURL
	}
	r.announce.Notify(ctx, msg)
}

// Refresh fetches the session from the remote and applies what it reports.
func (r *Registry) Refresh(ctx context.Context, id string) (*models.Session, error) {
	if _, err := r.acquire(id); err != nil {
		return nil, err
	}
	var remote *models.Session
	err := r.holding(id, func() (err error) {
		remote, err = r.agent.GetSession(ctx, id)
		return err
	})
	r.release(id)
	if err != nil {
		return nil, err
	}
	next, ok := models.ParseRemoteState(remote.RemoteState)
	if !ok {
		r.logger.Warn("unrecognised remote state",
			zap.String("session_id", id),
			zap.String("remote_state", remote.RemoteState))
		next = remote.State
	}
	return r.observe(id, next, remote)
}

// PollResult summarises one Poll pass.
type PollResult struct {
	Refreshed int
	Skipped   int
	Failed    int
	Stale     int
}

// Poll refreshes every non-terminal session. Per-session failures are logged
// and do not stop the pass; busy sessions are skipped.
func (r *Registry) Poll(ctx context.Context) PollResult {
	active := r.List(Filter{Active: true})
	now := r.now()

	var (
		mu  sync.Mutex
		res PollResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PollConcurrency)
	for _, s := range active {
		s := s
		if r.opts.StaleAfter > 0 && s.Stale(now, r.opts.StaleAfter) {
			mu.Lock()
			res.Stale++
			mu.Unlock()
			r.logger.Warn("session has been quiet",
				zap.String("session_id", s.ID),
				zap.String("state", string(s.State)),
				zap.Duration("quiet_for", now.Sub(s.LastActivityAt)))
		}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					r.workerPanic(p, s.ID)
					mu.Lock()
					res.Failed++
					mu.Unlock()
				}
			}()
			_, err := r.Refresh(gctx, s.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Refreshed++
			case errors.Is(err, models.ErrSessionBusy):
				res.Skipped++
			default:
				res.Failed++
				r.logger.Debug("refresh failed", zap.String("session_id", s.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// workerPanic logs a panic from a poll worker and hands it to the reporter.
func (r *Registry) workerPanic(p any, id string) {
	stack := debug.Stack()
	r.logger.Error("poll worker panicked",
		zap.String("session_id", id),
		zap.Any("panic", p))
	if r.panics != nil {
		r.panics.ReportPanic(p, stack)
	}
}

// RunPoller polls every interval until ctx is done.
func (r *Registry) RunPoller(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive: %w", models.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := r.Poll(ctx)
			if res.Refreshed+res.Failed+res.Skipped > 0 {
				r.logger.Debug("poll pass",
					zap.Int("refreshed", res.Refreshed),
					zap.Int("failed", res.Failed),
					zap.Int("skipped", res.Skipped),
					zap.Int("stale", res.Stale))
			}
		}
	}
}
