package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/nightwatch/internal/registry"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSessions rejects any request whose title contains reject.
type fakeSessions struct {
	mu       sync.Mutex
	next     int
	reject   string
	panicOn  string
	sessions map[string]*models.Session
	requests []models.CreateRequest
	approved []string
}

func newFakeSessions(reject string) *fakeSessions {
	return &fakeSessions{reject: reject, sessions: make(map[string]*models.Session)}
}

func (f *fakeSessions) Create(_ context.Context, req models.CreateRequest) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != "" && strings.Contains(req.Title, f.reject) {
		return nil, fmt.Errorf("prompt rejected: %w", models.ErrValidation)
	}
	if f.panicOn != "" && strings.Contains(req.Title, f.panicOn) {
		panic("nil session for " + req.Title)
	}
	f.next++
	s := &models.Session{
		ID:      fmt.Sprintf("s%d", f.next),
		State:   models.SessionCreated,
		Prompt:  req.Prompt,
		Origin:  req.Origin,
		BatchID: req.BatchID,
		RetryOf: req.RetryOf,
	}
	f.sessions[s.ID] = s
	f.requests = append(f.requests, req)
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Get(id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Transition(_ context.Context, id string, ev registry.Event) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if ev.Kind == registry.EventApprove {
		f.approved = append(f.approved, id)
		s.State = models.SessionInProgress
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Retry(ctx context.Context, id string) (*models.Session, error) {
	prev, err := f.Get(id)
	if err != nil {
		return nil, err
	}
	req := prev.Request()
	req.RetryOf = id
	return f.Create(ctx, req)
}

func (f *fakeSessions) set(id string, st models.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].State = st
}

func (f *fakeSessions) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

type fakeIssues struct {
	issues []models.Issue
	err    error
}

func (f *fakeIssues) ListIssuesByLabel(_ context.Context, repo, label string) ([]models.Issue, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.issues, nil
}

func threeBugs() *fakeIssues {
	return &fakeIssues{issues: []models.Issue{
		{Number: 3, Title: "third", Labels: []string{"bug"}},
		{Number: 1, Title: "first", Body: "stack trace", Labels: []string{"bug"}},
		{Number: 2, Title: "second", Labels: []string{"bug"}},
	}}
}

func TestCreateFromLabel_EndToEnd(t *testing.T) {
	sessions := newFakeSessions("#2")
	d := New(sessions, threeBugs(), nil, Config{DefaultRepo: "acme/widgets", Concurrency: 2}, nil)

	b, err := d.CreateFromLabel(context.Background(), "bug", "")
	require.NoError(t, err)
	require.Len(t, b.Items, 3)
	assert.Equal(t, "acme/widgets", b.Repo)
	assert.Equal(t, []string{"#1", "#2", "#3"}, []string{b.Items[0].Key, b.Items[1].Key, b.Items[2].Key})
	assert.Len(t, b.MemberSessionIDs(), 2)
	assert.Contains(t, b.Items[1].Error, "validation")

	for _, req := range sessions.requests {
		assert.Equal(t, models.OriginBatch, req.Origin)
		assert.Equal(t, b.ID, req.BatchID)
		assert.Equal(t, "sources/github/acme/widgets", req.Source)
	}

	st, err := d.Status(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, st.Status)
	assert.Equal(t, 2, st.Counts[string(models.SessionCreated)])

	ids := b.MemberSessionIDs()
	sessions.set(ids[0], models.SessionCompleted)
	st, _ = d.Status(b.ID)
	assert.Equal(t, models.BatchPending, st.Status)

	sessions.set(ids[1], models.SessionFailed)
	st, _ = d.Status(b.ID)
	assert.Equal(t, models.BatchCompleted, st.Status)
	assert.Equal(t, 1, st.Counts[string(models.SessionFailed)])
}

func TestCreateFromLabel_WorkerPanicIsReported(t *testing.T) {
	sessions := newFakeSessions("")
	sessions.panicOn = "#2"
	var (
		mu     sync.Mutex
		panics []string
	)
	d := New(sessions, threeBugs(), nil, Config{
		DefaultRepo: "acme/widgets",
		Concurrency: 2,
		Panics: registry.PanicFunc(func(v any, stack []byte) {
			mu.Lock()
			panics = append(panics, fmt.Sprint(v))
			mu.Unlock()
		}),
	}, nil)

	b, err := d.CreateFromLabel(context.Background(), "bug", "")
	require.NoError(t, err)
	require.Len(t, b.Items, 3)
	assert.Len(t, b.MemberSessionIDs(), 2)
	assert.Contains(t, b.Items[1].Error, "create panicked")
	require.Len(t, panics, 1)
	assert.Contains(t, panics[0], "nil session for #2")
}

func TestCreateFromLabel_ExpansionFailure(t *testing.T) {
	issues := &fakeIssues{err: &models.RemoteError{Op: "listIssues", StatusCode: 503, Kind: models.ErrRemoteUnavailable}}
	d := New(newFakeSessions(""), issues, nil, Config{DefaultRepo: "acme/widgets"}, nil)

	b, err := d.CreateFromLabel(context.Background(), "bug", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRemoteUnavailable))
	require.NotNil(t, b)
	assert.Empty(t, b.Items)

	st, err := d.Status(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, st.Status)
}

func TestCreateFromLabel_Validation(t *testing.T) {
	d := New(newFakeSessions(""), threeBugs(), nil, Config{}, nil)

	_, err := d.CreateFromLabel(context.Background(), " ", "acme/widgets")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = d.CreateFromLabel(context.Background(), "bug", "not-a-repo")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = New(newFakeSessions(""), nil, nil, Config{}, nil).CreateFromLabel(context.Background(), "bug", "acme/widgets")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateFromSources(t *testing.T) {
	sessions := newFakeSessions("")
	d := New(sessions, nil, nil, Config{}, nil)

	b, err := d.CreateFromSources(context.Background(), []Item{
		{Prompt: "fix lint", Source: "sources/github/acme/a"},
		{Key: "docs", Prompt: "update docs", Source: "sources/github/acme/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1", "docs"}, b.SourceList)
	assert.Len(t, b.MemberSessionIDs(), 2)

	_, err = d.CreateFromSources(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = d.CreateFromSources(context.Background(), []Item{{Key: "x", Prompt: "a"}, {Key: "x", Prompt: "b"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStatus_UnknownMember(t *testing.T) {
	sessions := newFakeSessions("")
	d := New(sessions, threeBugs(), nil, Config{}, nil)
	b, err := d.CreateFromLabel(context.Background(), "bug", "acme/widgets")
	require.NoError(t, err)

	ids := b.MemberSessionIDs()
	sessions.set(ids[0], models.SessionCompleted)
	sessions.set(ids[1], models.SessionCompleted)
	sessions.drop(ids[2])

	st, err := d.Status(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchUnknown, st.Status)
	assert.Equal(t, models.MemberUnknown, st.Members[2].State)

	_, err = d.Status("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApproveAll(t *testing.T) {
	sessions := newFakeSessions("")
	d := New(sessions, threeBugs(), nil, Config{}, nil)
	b, err := d.CreateFromLabel(context.Background(), "bug", "acme/widgets")
	require.NoError(t, err)

	ids := b.MemberSessionIDs()
	sessions.set(ids[0], models.SessionAwaitingApproval)
	sessions.set(ids[2], models.SessionAwaitingApproval)

	results, err := d.ApproveAll(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, sessions.approved)
}

func TestRetryFailed_ExtendsChain(t *testing.T) {
	sessions := newFakeSessions("")
	d := New(sessions, threeBugs(), nil, Config{}, nil)
	b, err := d.CreateFromLabel(context.Background(), "bug", "acme/widgets")
	require.NoError(t, err)
	ids := b.MemberSessionIDs()
	for _, id := range ids {
		sessions.set(id, models.SessionCompleted)
	}
	sessions.set(ids[1], models.SessionFailed)

	results, err := d.RetryFailed(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	retried := results[0].SessionID
	assert.NotEqual(t, ids[1], retried)

	got, _ := d.Get(b.ID)
	assert.Equal(t, retried, got.Items[1].Current())

	st, _ := d.Status(b.ID)
	assert.Equal(t, models.BatchPending, st.Status)

	// Only the latest session in a chain is considered.
	results, _ = d.RetryFailed(context.Background(), b.ID)
	assert.Empty(t, results)
}

func TestRestoreFromStore(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	d := New(newFakeSessions("#2"), threeBugs(), db, Config{}, nil)
	b, err := d.CreateFromLabel(context.Background(), "bug", "acme/widgets")
	require.NoError(t, err)

	restored := New(newFakeSessions(""), nil, db, Config{}, nil)
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "bug", got.Label)
	assert.Len(t, got.Items, 3)
	assert.Len(t, restored.List(), 1)
}
