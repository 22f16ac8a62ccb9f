package routines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

type recordingCreator struct {
	reqs []models.CreateRequest
	err  error
}

func (c *recordingCreator) Create(_ context.Context, req models.CreateRequest) (*models.Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.reqs = append(c.reqs, req)
	return &models.Session{ID: fmt.Sprintf("s%d", len(c.reqs))}, nil
}

const backlogYAML = `tasks:
  - id: done-already
    title: Old work
    prompt: nothing
    status: dispatched
    session_id: s0
  - id: tighten-types
    title: Tighten types in the API layer
    prompt: Replace loose types in the API layer.
  - id: docs
    title: Refresh docs
    prompt: Update the README.
    source: sources/github/acme/docs
`

func writeBacklog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(backlogYAML), 0644))
	return path
}

func TestEvolution_DispatchesFirstPending(t *testing.T) {
	path := writeBacklog(t)
	c := &recordingCreator{}
	e := NewEvolution(c, path, "sources/github/acme/app", nil, nil)
	e.now = func() time.Time { return time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, e.Run(context.Background()))
	require.Len(t, c.reqs, 1)
	assert.Equal(t, models.OriginEvolution, c.reqs[0].Origin)
	assert.Equal(t, "sources/github/acme/app", c.reqs[0].Source)
	assert.Equal(t, "Evolution: Tighten types in the API layer", c.reqs[0].Title)

	b, err := LoadBacklog(path)
	require.NoError(t, err)
	assert.Equal(t, TaskDispatched, b.Tasks[1].Status)
	assert.Equal(t, "s1", b.Tasks[1].SessionID)
	assert.False(t, b.Tasks[1].DispatchedAt.IsZero())

	require.NoError(t, e.Run(context.Background()))
	require.Len(t, c.reqs, 2)
	assert.Equal(t, "sources/github/acme/docs", c.reqs[1].Source)

	// Nothing left.
	require.NoError(t, e.Run(context.Background()))
	assert.Len(t, c.reqs, 2)
	pending, err := e.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEvolution_CreateFailureLeavesTaskPending(t *testing.T) {
	path := writeBacklog(t)
	c := &recordingCreator{err: models.ErrRateLimited}
	e := NewEvolution(c, path, "sources/github/acme/app", nil, nil)

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrRateLimited)

	pending, err := e.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

type recordingDeferrer struct {
	reqs []models.CreateRequest
}

func (d *recordingDeferrer) Enqueue(req models.CreateRequest) models.QueueEntry {
	d.reqs = append(d.reqs, req)
	return models.QueueEntry{ID: fmt.Sprintf("q%d", len(d.reqs)), Payload: req}
}

func TestEvolution_TransientFailureDefersToQueue(t *testing.T) {
	path := writeBacklog(t)
	d := &recordingDeferrer{}
	e := NewEvolution(&recordingCreator{err: fmt.Errorf("jules: %w", models.ErrRateLimited)},
		path, "sources/github/acme/app", nil, nil).DeferTo(d)

	require.NoError(t, e.Run(context.Background()))
	require.Len(t, d.reqs, 1)
	assert.Equal(t, models.OriginEvolution, d.reqs[0].Origin)
	assert.Equal(t, "Replace loose types in the API layer.", d.reqs[0].Prompt)

	b, err := LoadBacklog(path)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, b.Tasks[1].Status)
	assert.Equal(t, "q1", b.Tasks[1].QueueEntryID)
	pending, err := e.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "docs", pending[0].ID)

	permanent := NewEvolution(&recordingCreator{err: models.ErrValidation}, writeBacklog(t), "src", nil, nil).DeferTo(d)
	assert.ErrorIs(t, permanent.Run(context.Background()), models.ErrValidation)
	assert.Len(t, d.reqs, 1)
}

func TestEvolution_KillSwitchAndMissingBacklog(t *testing.T) {
	c := &recordingCreator{}
	off := NewEvolution(c, writeBacklog(t), "src", func() bool { return true }, nil)
	require.NoError(t, off.Run(context.Background()))

	missing := NewEvolution(c, filepath.Join(t.TempDir(), "none.yaml"), "src", nil, nil)
	require.NoError(t, missing.Run(context.Background()))
	assert.Empty(t, c.reqs)
}

func TestLoadBacklog_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: [unclosed"), 0644))
	_, err := LoadBacklog(path)
	assert.Error(t, err)
}

func TestQA(t *testing.T) {
	c := &recordingCreator{}
	q := NewQA(c, "sources/github/acme/app", nil, nil)
	q.now = func() time.Time { return time.Date(2026, 4, 1, 5, 0, 0, 0, time.UTC) }

	require.NoError(t, q.Run(context.Background()))
	require.Len(t, c.reqs, 1)
	assert.Equal(t, models.OriginQA, c.reqs[0].Origin)
	assert.Equal(t, "Nightly QA 2026-04-01", c.reqs[0].Title)

	disabled := NewQA(c, "src", func() bool { return true }, nil)
	require.NoError(t, disabled.Run(context.Background()))
	assert.Len(t, c.reqs, 1)

	failing := NewQA(&recordingCreator{err: models.ErrCircuitOpen}, "src", nil, nil)
	assert.ErrorIs(t, failing.Run(context.Background()), models.ErrCircuitOpen)
}

func TestQA_TransientFailureDefersToQueue(t *testing.T) {
	d := &recordingDeferrer{}
	q := NewQA(&recordingCreator{err: models.ErrRateLimited}, "sources/github/acme/app", nil, nil).DeferTo(d)
	q.now = func() time.Time { return time.Date(2026, 4, 1, 5, 0, 0, 0, time.UTC) }

	require.NoError(t, q.Run(context.Background()))
	require.Len(t, d.reqs, 1)
	assert.Equal(t, models.OriginQA, d.reqs[0].Origin)
	assert.Equal(t, "Nightly QA 2026-04-01", d.reqs[0].Title)
}
