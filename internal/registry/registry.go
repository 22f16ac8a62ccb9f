// Package registry tracks coding sessions and funnels every session creation
// through the guarded remote agent.
//
// The registry never holds its lock across a remote call. Actions on a single
// session are ordered with a busy flag: the action marks the session busy under
// the lock, calls the remote without it, then re-locks to apply the outcome.
// A second action on a busy session fails fast with ErrSessionBusy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/cache"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/remote"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Announcer delivers best-effort operator messages.
type Announcer interface {
	Notify(ctx context.Context, text string)
}

// PanicReporter receives panics recovered in worker goroutines.
type PanicReporter interface {
	ReportPanic(value any, stack []byte)
}

// PanicFunc adapts a function to PanicReporter.
type PanicFunc func(value any, stack []byte)

// ReportPanic calls f.
func (f PanicFunc) ReportPanic(value any, stack []byte) { f(value, stack) }

// Options configures a Registry.
type Options struct {
	// DefaultSource is used when a request has no source.
	DefaultSource string
	// StartingBranch is used when a request has no branch.
	StartingBranch string
	// AutomationMode is used when a request has no mode.
	AutomationMode models.AutomationMode
	// DailyQuota caps creates per calendar day in Location. Zero disables.
	DailyQuota int
	// MaxActive caps non-terminal sessions. Zero disables.
	MaxActive int
	// Location is the reference timezone for the daily quota.
	Location *time.Location
	// ListTTL is how long RemoteList results are cached.
	ListTTL time.Duration
	// PollConcurrency bounds parallel refreshes in Poll.
	PollConcurrency int
	// StaleAfter is the quiet period after which Poll warns about a session.
	StaleAfter time.Duration
}

// Registry is the authoritative in-memory set of sessions.
type Registry struct {
	agent    remote.Agent
	store    state.SessionStore
	cache    *cache.Cache
	counters *metrics.Counters
	announce Announcer
	panics   PanicReporter
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*models.Session
	busy     map[string]struct{}
	// creates in flight; they count against both caps until they resolve.
	pending    int
	quotaDay   string
	quotaCount int
}

// Option customises a Registry.
type Option func(*Registry)

// WithStore persists every mutation.
func WithStore(s state.SessionStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithCache caches remote listings.
func WithCache(c *cache.Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithCounters records creates and failures.
func WithCounters(c *metrics.Counters) Option {
	return func(r *Registry) { r.counters = c }
}

// WithAnnouncer sends creation and completion messages.
func WithAnnouncer(a Announcer) Option {
	return func(r *Registry) { r.announce = a }
}

// WithPanicReporter receives panics from poll workers.
func WithPanicReporter(p PanicReporter) Option {
	return func(r *Registry) { r.panics = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry backed by agent.
func New(agent remote.Agent, opts Options, options ...Option) *Registry {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AutomationMode == "" {
		opts.AutomationMode = models.AutomationAutoPR
	}
	if opts.PollConcurrency < 1 {
		opts.PollConcurrency = 1
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = time.Minute
	}
	r := &Registry{
		agent:    agent,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*models.Session),
		busy:     make(map[string]struct{}),
	}
	for _, o := range options {
		o(r)
	}
	r.logger = logging.OrNop(r.logger).Named("registry")
	return r
}

// Restore loads persisted sessions. It returns how many were loaded.
func (r *Registry) Restore() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	sessions, err := r.store.ListSessions(nil)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range sessions {
		s := sessions[i]
		r.sessions[s.ID] = &s
	}
	return len(sessions), nil
}

// normalize fills defaults and validates a create request.
func (r *Registry) normalize(req models.CreateRequest) (models.CreateRequest, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, fmt.Errorf("prompt is required: %w", models.ErrValidation)
	}
	if req.Source == "" {
		req.Source = r.opts.DefaultSource
	}
	if req.Source == "" {
		return req, fmt.Errorf("source is required and no default source is configured: %w", models.ErrValidation)
	}
	if req.StartingBranch == "" {
		req.StartingBranch = r.opts.StartingBranch
	}
	if req.AutomationMode == "" {
		req.AutomationMode = r.opts.AutomationMode
	}
	if req.Origin == "" {
		req.Origin = models.OriginAPI
	}
	if req.Title == "" {
		req.Title = models.Truncate(strings.SplitN(req.Prompt, "\n", 2)[0], 80)
	}
	return req, nil
}

// reserve claims quota and concurrency for one create. Caller holds r.mu.
func (r *Registry) reserve() error {
	today := r.now().In(r.opts.Location).Format("2006-01-02")
	if today != r.quotaDay {
		r.quotaDay = today
		r.quotaCount = 0
	}
	if r.opts.DailyQuota > 0 && r.quotaCount+r.pending >= r.opts.DailyQuota {
		return fmt.Errorf("daily session quota of %d reached: %w", r.opts.DailyQuota, models.ErrRateLimited)
	}
	if r.opts.MaxActive > 0 && r.activeLocked()+r.pending >= r.opts.MaxActive {
		return fmt.Errorf("%d sessions already active: %w", r.opts.MaxActive, models.ErrRateLimited)
	}
	r.pending++
	return nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// Create validates req, creates the session remotely and records it at Created.
// On failure the registry is unchanged.
func (r *Registry) Create(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	req, err := r.normalize(req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if err := r.reserve(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	created, err := r.createRemote(ctx, req)

	r.mu.Lock()
	r.pending--
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("create session failed",
			zap.String("origin", string(req.Origin)),
			zap.String("source", req.Source),
			zap.Error(err))
		return nil, err
	}
	if created == nil || created.ID == "" {
		r.mu.Unlock()
		r.logger.Error("remote returned a session without an id")
		return nil, fmt.Errorf("create session: empty id: %w", models.ErrInternalInconsistency)
	}
	if _, exists := r.sessions[created.ID]; exists {
		r.mu.Unlock()
		r.logger.Error("remote reused a session id", zap.String("session_id", created.ID))
		return nil, fmt.Errorf("session %s already tracked: %w", created.ID, models.ErrInternalInconsistency)
	}

	s := *created
	s.State = models.SessionCreated
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}
	r.sessions[s.ID] = &s
	r.quotaCount++
	r.persistLocked(&s)
	out := s
	r.mu.Unlock()

	r.counters.SessionCreated()
	r.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("origin", string(s.Origin)),
		zap.String("title", s.Title))
	if r.announce != nil {
		r.announce.Notify(ctx, fmt.Sprintf("New session %s (%s): %s", s.ID, s.Origin, s.Title))
	}
	return &out, nil
}

// Retry replaces a failed or cancelled session with a new one carrying the
// same payload. The old session is left untouched.
func (r *Registry) Retry(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	if s.State != models.SessionFailed && s.State != models.SessionCancelled {
		st := s.State
		r.mu.RUnlock()
		return nil, fmt.Errorf("retry session %s in state %s: %w", id, st, models.ErrInvalidTransition)
	}
	req := s.Request()
	r.mu.RUnlock()

	req.RetryOf = id
	if req.Origin != models.OriginBatch {
		req.Origin = models.OriginRetry
	}
	return r.Create(ctx, req)
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	out := *s
	return &out, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State   models.SessionState
	Origin  models.Origin
	BatchID string
	// Active keeps only non-terminal sessions.
	Active bool
}

func (f Filter) match(s *models.Session) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.Origin != "" && s.Origin != f.Origin {
		return false
	}
	if f.BatchID != "" && s.BatchID != f.BatchID {
		return false
	}
	if f.Active && s.State.Terminal() {
		return false
	}
	return true
}

// List returns matching sessions, oldest first.
func (r *Registry) List(f Filter) []models.Session {
	r.mu.RLock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if f.match(s) {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of sessions per state.
func (r *Registry) Counts() map[models.SessionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.SessionState]int)
	for _, s := range r.sessions {
		out[s.State]++
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// acquire marks id busy and returns a copy of the session.
func (r *Registry) acquire(id string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	if _, busy := r.busy[id]; busy {
		return models.Session{}, fmt.Errorf("session %s: %w", id, models.ErrSessionBusy)
	}
	r.busy[id] = struct{}{}
	return *s, nil
}

// release clears the busy flag. Caller holds r.mu.
func (r *Registry) releaseLocked(id string) {
	delete(r.busy, id)
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	r.releaseLocked(id)
	r.mu.Unlock()
}

// holding runs a remote call for a session marked busy. A panic clears the
// busy flag before it propagates.
func (r *Registry) holding(id string, call func() error) error {
	defer func() {
		if p := recover(); p != nil {
			r.release(id)
			panic(p)
		}
	}()
	return call()
}

// createRemote calls the agent for a reserved create. A panic returns the
// reservation before it propagates.
func (r *Registry) createRemote(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.pending--
			r.mu.Unlock()
			panic(p)
		}
	}()
	return r.agent.CreateSession(ctx, req)
}

// persistLocked writes s to the store. Store failures are logged; memory stays authoritative.
func (r *Registry) persistLocked(s *models.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(s); err != nil {
		r.logger.Error("persist session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Delete removes the session remotely and locally. A session the remote no
// longer knows is still removed locally.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.acquire(id); err != nil {
		return err
	}
	err := r.holding(id, func() error { return r.agent.DeleteSession(ctx, id) })
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		r.release(id)
		return err
	}

	r.mu.Lock()
	r.releaseLocked(id)
	delete(r.sessions, id)
	if r.store != nil {
		if err := r.store.DeleteSession(id); err != nil {
			r.logger.Error("delete persisted session", zap.String("session_id", id), zap.Error(err))
		}
	}
	r.mu.Unlock()

	r.invalidateListings()
	r.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Clear drops every tracked session without contacting the remote.
func (r *Registry) Clear() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*models.Session)
	r.busy = make(map[string]struct{})
	if r.store != nil {
		if err := r.store.ClearSessions(); err != nil {
			return n, fmt.Errorf("clear persisted sessions: %w", err)
		}
	}
	r.logger.Warn("registry cleared", zap.Int("sessions", n))
	return n, nil
}

// RemoteList lists sessions as the remote sees them, through the result cache.
func (r *Registry) RemoteList(ctx context.Context, pageSize int) ([]models.Session, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	fetch := func(ctx context.Context) ([]models.Session, error) {
		return r.agent.ListSessions(ctx, pageSize)
	}
	if r.cache == nil {
		return fetch(ctx)
	}
	return cache.GetOrComputeAs(ctx, r.cache, fmt.Sprintf("sessions:list:%d", pageSize), r.opts.ListTTL, fetch)
}

func (r *Registry) invalidateListings() {
	if r.cache != nil {
		r.cache.InvalidatePrefix("sessions:")
	}
}

// SendMessage posts a follow-up prompt into a live session.
func (r *Registry) SendMessage(ctx context.Context, id, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("message is empty: %w", models.ErrValidation)
	}
	s, err := r.acquire(id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		r.release(id)
		return fmt.Errorf("message session %s in state %s: %w", id, s.State, models.ErrInvalidTransition)
	}
	err = r.holding(id, func() error { return r.agent.SendMessage(ctx, id, prompt) })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(id)
	if err != nil {
		return err
	}
	if cur, ok := r.sessions[id]; ok {
		cur.LastActivityAt = r.now().UTC()
		r.persistLocked(cur)
	}
	return nil
}

// Activities returns the remote activity feed of a tracked session.
func (r *Registry) Activities(ctx context.Context, id string) ([]models.Activity, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	return r.agent.ListActivities(ctx, id)
}

// Diff returns the latest patch produced by a tracked session.
func (r *Registry) Diff(ctx context.Context, id string) (string, error) {
	if _, err := r.Get(id); err != nil {
		return "", err
	}
	return r.agent.GetDiff(ctx, id)
}
