package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedCreator returns the scripted error for each prompt, then succeeds.
type scriptedCreator struct {
	mu      sync.Mutex
	errs    map[string][]error
	created []string
}

func (c *scriptedCreator) Create(_ context.Context, req models.CreateRequest) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errs := c.errs[req.Prompt]; len(errs) > 0 {
		c.errs[req.Prompt] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	c.created = append(c.created, req.Prompt)
	return &models.Session{ID: fmt.Sprintf("s-%s", req.Prompt), Prompt: req.Prompt}, nil
}

func (c *scriptedCreator) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...)
}

func TestDrainOne_FIFO(t *testing.T) {
	c := &scriptedCreator{}
	q := New(c, nil, nil, nil)
	for _, p := range []string{"a", "b", "c"} {
		q.Enqueue(models.CreateRequest{Prompt: p})
	}

	for i := 0; i < 3; i++ {
		res, ok := q.DrainOne(context.Background())
		require.True(t, ok)
		require.NoError(t, res.Err())
	}
	_, ok := q.DrainOne(context.Background())
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, c.order())
}

func TestDrainOne_TransientPushesBackToFront(t *testing.T) {
	c := &scriptedCreator{errs: map[string][]error{
		"a": {fmt.Errorf("bucket: %w", models.ErrRateLimited), models.ErrCircuitOpen},
	}}
	counters := metrics.NewCounters()
	q := New(c, nil, counters, nil)
	q.Enqueue(models.CreateRequest{Prompt: "a"})
	q.Enqueue(models.CreateRequest{Prompt: "b"})

	res, _ := q.DrainOne(context.Background())
	assert.True(t, res.Deferred)
	assert.Equal(t, 1, res.Entry.Attempts)
	assert.Equal(t, "a", q.PeekAll()[0].Payload.Prompt)

	res, _ = q.DrainOne(context.Background())
	assert.True(t, res.Deferred)
	head := q.PeekAll()[0]
	assert.Equal(t, 2, head.Attempts)
	assert.Contains(t, head.LastError, "circuit open")

	results := q.Drain(context.Background(), 0)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, c.order())
	assert.EqualValues(t, 2, counters.Values().QueueDeferred)
}

func TestDrainOne_PermanentFailureDrops(t *testing.T) {
	c := &scriptedCreator{errs: map[string][]error{"bad": {fmt.Errorf("prompt: %w", models.ErrValidation)}}}
	counters := metrics.NewCounters()
	q := New(c, nil, counters, nil)
	q.Enqueue(models.CreateRequest{Prompt: "bad"})
	q.Enqueue(models.CreateRequest{Prompt: "good"})

	results := q.Drain(context.Background(), 0)
	require.Len(t, results, 2)
	assert.False(t, results[0].Deferred)
	assert.True(t, errors.Is(results[0].Err(), models.ErrValidation))
	assert.NotEmpty(t, results[0].Error)
	assert.NotNil(t, results[1].Session)
	assert.Zero(t, q.Len())
	assert.EqualValues(t, 1, counters.Values().QueueDropped)
}

// gatedCreator blocks each Create until release is closed, then fails with err.
type gatedCreator struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (c *gatedCreator) Create(_ context.Context, _ models.CreateRequest) (*models.Session, error) {
	close(c.entered)
	<-c.release
	return nil, c.err
}

func TestDrainOne_ClearDuringDispatchDiscardsDeferred(t *testing.T) {
	c := &gatedCreator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     fmt.Errorf("bucket: %w", models.ErrRateLimited),
	}
	counters := metrics.NewCounters()
	q := New(c, nil, counters, nil)
	q.Enqueue(models.CreateRequest{Prompt: "a"})

	done := make(chan DrainResult, 1)
	go func() {
		res, _ := q.DrainOne(context.Background())
		done <- res
	}()

	<-c.entered
	q.Enqueue(models.CreateRequest{Prompt: "b"})
	assert.Equal(t, 1, q.Clear())
	close(c.release)

	res := <-done
	assert.False(t, res.Deferred)
	assert.True(t, errors.Is(res.Err(), models.ErrRateLimited))
	assert.Zero(t, q.Len())
	assert.Zero(t, counters.Values().QueueDeferred)
	assert.EqualValues(t, 1, counters.Values().QueueDropped)
}

func TestDrain_StopsOnDeferAndRespectsMax(t *testing.T) {
	c := &scriptedCreator{errs: map[string][]error{"b": {models.ErrRateLimited}}}
	q := New(c, nil, nil, nil)
	for _, p := range []string{"a", "b", "c"} {
		q.Enqueue(models.CreateRequest{Prompt: p})
	}

	results := q.Drain(context.Background(), 0)
	require.Len(t, results, 2)
	assert.True(t, results[1].Deferred)
	assert.Equal(t, 2, q.Len())

	results = q.Drain(context.Background(), 1)
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"a", "b"}, c.order())
}

func TestConcurrentEnqueueAndDrainKeepsOrder(t *testing.T) {
	c := &scriptedCreator{}
	q := New(c, nil, nil, nil)
	const n = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Enqueue(models.CreateRequest{Prompt: fmt.Sprintf("%03d", i)})
		}
	}()
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for len(c.order()) < n && time.Now().Before(deadline) {
				q.DrainOne(context.Background())
			}
		}()
	}
	wg.Wait()

	got := c.order()
	require.Len(t, got, n)
	for i := range got {
		assert.Equal(t, fmt.Sprintf("%03d", i), got[i])
	}
}

func TestPersistence(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	c := &scriptedCreator{}
	q := New(c, db, nil, nil)
	q.Enqueue(models.CreateRequest{Prompt: "a", Origin: models.OriginQueue})
	q.Enqueue(models.CreateRequest{Prompt: "b"})
	q.DrainOne(context.Background())

	restored := New(c, db, nil, nil)
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "b", restored.PeekAll()[0].Payload.Prompt)

	assert.Equal(t, 1, restored.Clear())
	again := New(c, db, nil, nil)
	n, _ = again.Restore()
	assert.Zero(t, n)
}

func TestRun_PausedDoesNotDrain(t *testing.T) {
	c := &scriptedCreator{}
	q := New(c, nil, nil, zap.NewNop())
	q.Pauser().Pause()
	q.Enqueue(models.CreateRequest{Prompt: "a"})
	q.Enqueue(models.CreateRequest{Prompt: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, 2*time.Millisecond, 5) }()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.order())

	// A manual drain works while paused.
	res, ok := q.DrainOne(context.Background())
	require.True(t, ok)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"a"}, c.order())

	q.Pauser().Resume()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.order())

	cancel()
	assert.NoError(t, <-done)
}

func TestWaitIfPaused_Cancel(t *testing.T) {
	p := NewPauseController(zap.NewNop())
	assert.NoError(t, p.WaitIfPaused(context.Background()))

	p.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIfPaused(ctx), context.DeadlineExceeded)
	assert.True(t, p.Paused())
}
