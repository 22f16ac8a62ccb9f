// Package batch expands a selection (an issue label or an explicit list)
// into one session per item and tracks the members as a group.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/registry"
	"github.com/ShayCichocki/nightwatch/internal/remote"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Sessions is the part of the registry a dispatcher drives.
type Sessions interface {
	Create(ctx context.Context, req models.CreateRequest) (*models.Session, error)
	Get(id string) (*models.Session, error)
	Transition(ctx context.Context, id string, ev registry.Event) (*models.Session, error)
	Retry(ctx context.Context, id string) (*models.Session, error)
}

// Item is one explicit entry for CreateFromSources.
type Item struct {
	Key    string `json:"key"`
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
	Source string `json:"source,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	// DefaultRepo is "owner/name" used when a label batch names no repo.
	DefaultRepo string
	// Concurrency bounds parallel creates per batch.
	Concurrency int
	// Panics receives panics from dispatch workers. Optional.
	Panics registry.PanicReporter
}

// Dispatcher creates and tracks batches.
type Dispatcher struct {
	sessions Sessions
	issues   remote.IssueSource
	store    state.BatchStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	// retryMu keeps two RetryFailed calls from retrying the same member.
	retryMu sync.Mutex

	mu      sync.RWMutex
	batches map[string]*models.BatchRequest
}

// New creates a dispatcher. issues and store may be nil.
func New(sessions Sessions, issues remote.IssueSource, store state.BatchStore, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		sessions: sessions,
		issues:   issues,
		store:    store,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("batch"),
		now:      time.Now,
		batches:  make(map[string]*models.BatchRequest),
	}
}

// Restore loads persisted batches.
func (d *Dispatcher) Restore() (int, error) {
	if d.store == nil {
		return 0, nil
	}
	batches, err := d.store.ListBatches()
	if err != nil {
		return 0, fmt.Errorf("restore batches: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range batches {
		b := batches[i]
		d.batches[b.ID] = &b
	}
	return len(batches), nil
}

func issuePrompt(repo string, is models.Issue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Resolve GitHub issue #%d in %s: %s\n", is.Number, repo, is.Title)
	if body := strings.TrimSpace(is.Body); body != "" {
		sb.WriteString("\n")
		sb.WriteString(models.Truncate(body, 4000))
		sb.WriteString("\n")
	}
	if is.URL != "" {
		fmt.Fprintf(&sb, "\nIssue: %s\n", is.URL)
	}
	sb.WriteString("\nReference the issue number in the pull request description.")
	return sb.String()
}

// CreateFromLabel creates one session per open issue labelled label in repo.
// An expansion failure is recorded on the returned batch and also returned.
func (d *Dispatcher) CreateFromLabel(ctx context.Context, label, repo string) (*models.BatchRequest, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("label is required: %w", models.ErrValidation)
	}
	if repo == "" {
		repo = d.cfg.DefaultRepo
	}
	if _, _, err := remote.SplitRepo(repo); err != nil {
		return nil, err
	}
	if d.issues == nil {
		return nil, fmt.Errorf("no issue source configured: %w", models.ErrValidation)
	}

	b := &models.BatchRequest{
		ID:        uuid.New().String(),
		Label:     label,
		Repo:      repo,
		CreatedAt: d.now().UTC(),
	}

	issues, err := d.issues.ListIssuesByLabel(ctx, repo, label)
	if err != nil {
		b.ExpansionError = err.Error()
		d.save(b)
		d.logger.Warn("batch expansion failed",
			zap.String("batch_id", b.ID),
			zap.String("label", label),
			zap.Error(err))
		return b.Clone(), fmt.Errorf("expand label %q: %w", label, err)
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Number < issues[j].Number })
	source := "sources/github/" + repo
	items := make([]Item, len(issues))
	for i, is := range issues {
		items[i] = Item{
			Key:    fmt.Sprintf("#%d", is.Number),
			Title:  is.Title,
			Prompt: issuePrompt(repo, is),
			Source: source,
		}
	}
	return d.dispatch(ctx, b, items), nil
}

// CreateFromSources creates one session per explicit item.
func (d *Dispatcher) CreateFromSources(ctx context.Context, items []Item) (*models.BatchRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one item is required: %w", models.ErrValidation)
	}
	seen := make(map[string]bool, len(items))
	b := &models.BatchRequest{
		ID:        uuid.New().String(),
		CreatedAt: d.now().UTC(),
	}
	for i := range items {
		if items[i].Key == "" {
			items[i].Key = fmt.Sprintf("item-%d", i+1)
		}
		if seen[items[i].Key] {
			return nil, fmt.Errorf("duplicate item key %q: %w", items[i].Key, models.ErrValidation)
		}
		seen[items[i].Key] = true
		b.SourceList = append(b.SourceList, items[i].Key)
	}
	return d.dispatch(ctx, b, items), nil
}

// dispatch runs one Create per item. Failures are recorded per item and
// never stop the others.
func (d *Dispatcher) dispatch(ctx context.Context, b *models.BatchRequest, items []Item) *models.BatchRequest {
	b.Items = make([]models.BatchItem, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, it := range items {
		i, it := i, it
		b.Items[i] = models.BatchItem{Key: it.Key, Title: it.Title}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					b.Items[i].Error = fmt.Sprintf("create panicked: %v", p)
					d.workerPanic(p, b.ID, it.Key)
				}
			}()
			s, err := d.sessions.Create(gctx, models.CreateRequest{
				Prompt:  it.Prompt,
				Title:   models.Truncate(strings.TrimSpace(it.Key+" "+it.Title), 80),
				Source:  it.Source,
				Origin:  models.OriginBatch,
				BatchID: b.ID,
			})
			if err != nil {
				b.Items[i].Error = err.Error()
				return nil
			}
			b.Items[i].SessionID = s.ID
			return nil
		})
	}
	_ = g.Wait()

	d.save(b)

	failed := 0
	for _, it := range b.Items {
		if it.Error != "" {
			failed++
		}
	}
	d.logger.Info("batch dispatched",
		zap.String("batch_id", b.ID),
		zap.String("label", b.Label),
		zap.Int("items", len(b.Items)),
		zap.Int("failed", failed))
	return b.Clone()
}

func (d *Dispatcher) workerPanic(p any, batchID, key string) {
	stack := debug.Stack()
	d.logger.Error("dispatch worker panicked",
		zap.String("batch_id", batchID),
		zap.String("item", key),
		zap.Any("panic", p))
	if d.cfg.Panics != nil {
		d.cfg.Panics.ReportPanic(p, stack)
	}
}

func (d *Dispatcher) save(b *models.BatchRequest) {
	d.mu.Lock()
	d.batches[b.ID] = b
	d.mu.Unlock()
	if d.store == nil {
		return
	}
	if err := d.store.SaveBatch(b); err != nil {
		d.logger.Error("persist batch", zap.String("batch_id", b.ID), zap.Error(err))
	}
}

// Get returns a copy of the batch.
func (d *Dispatcher) Get(id string) (*models.BatchRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return b.Clone(), nil
}

// List returns every batch, newest first.
func (d *Dispatcher) List() []models.BatchRequest {
	d.mu.RLock()
	out := make([]models.BatchRequest, 0, len(d.batches))
	for _, b := range d.batches {
		out = append(out, *b.Clone())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Status derives the batch status from the current state of every member.
// Each member is represented by the latest session in its retry chain.
func (d *Dispatcher) Status(id string) (*models.BatchStatusReport, error) {
	b, err := d.Get(id)
	if err != nil {
		return nil, err
	}

	report := &models.BatchStatusReport{
		BatchID: b.ID,
		Counts:  make(map[string]int),
	}
	pending, unknown := false, false
	for _, it := range b.Items {
		ms := models.BatchMemberStatus{Key: it.Key, SessionID: it.Current(), Error: it.Error}
		if ms.SessionID == "" {
			report.Members = append(report.Members, ms)
			continue
		}
		s, err := d.sessions.Get(ms.SessionID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			ms.State = models.MemberUnknown
			unknown = true
		case err != nil:
			return nil, fmt.Errorf("batch %s member %s: %w", b.ID, ms.SessionID, err)
		default:
			ms.State = s.State
			if !s.State.Terminal() {
				pending = true
			}
		}
		report.Counts[string(ms.State)]++
		report.Members = append(report.Members, ms)
	}

	switch {
	case b.ExpansionError != "":
		report.Status = models.BatchFailed
	case pending:
		report.Status = models.BatchPending
	case unknown:
		report.Status = models.BatchUnknown
	default:
		report.Status = models.BatchCompleted
	}
	return report, nil
}

// ApproveAll approves every member waiting for plan approval.
func (d *Dispatcher) ApproveAll(ctx context.Context, id string) ([]models.ItemResult, error) {
	b, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	var results []models.ItemResult
	for _, it := range b.Items {
		sid := it.Current()
		if sid == "" {
			continue
		}
		res := models.ItemResult{Key: it.Key, SessionID: sid}
		s, err := d.sessions.Get(sid)
		switch {
		case err != nil:
			res.Error = err.Error()
		case s.State != models.SessionAwaitingApproval:
			continue
		default:
			if _, err := d.sessions.Transition(ctx, sid, registry.Approve()); err != nil {
				res.Error = err.Error()
			}
		}
		results = append(results, res)
	}
	d.logger.Info("batch approve", zap.String("batch_id", id), zap.Int("attempted", len(results)))
	return results, nil
}

// RetryFailed retries every member whose latest session failed, appending
// the new session to that member's retry chain.
func (d *Dispatcher) RetryFailed(ctx context.Context, id string) ([]models.ItemResult, error) {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	b, err := d.Get(id)
	if err != nil {
		return nil, err
	}

	var results []models.ItemResult
	for i, it := range b.Items {
		sid := it.Current()
		if sid == "" {
			continue
		}
		s, err := d.sessions.Get(sid)
		if err != nil || s.State != models.SessionFailed {
			continue
		}
		res := models.ItemResult{Key: it.Key}
		retried, err := d.sessions.Retry(ctx, sid)
		if err != nil {
			res.SessionID = sid
			res.Error = err.Error()
		} else {
			res.SessionID = retried.ID
			b.Items[i].Retries = append(b.Items[i].Retries, retried.ID)
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		d.save(b)
	}
	d.logger.Info("batch retry", zap.String("batch_id", id), zap.Int("retried", len(results)))
	return results, nil
}
