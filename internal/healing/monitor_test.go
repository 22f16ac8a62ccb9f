package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCreator struct {
	mu   sync.Mutex
	reqs []models.CreateRequest
	err  error
	// errs fail the next creates in order before err applies.
	errs []error
}

func (c *fakeCreator) Create(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	c.reqs = append(c.reqs, req)
	return &models.Session{ID: fmt.Sprintf("fix-%d", len(c.reqs))}, nil
}

func (c *fakeCreator) requests() []models.CreateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CreateRequest(nil), c.reqs...)
}

type announcer struct {
	mu   sync.Mutex
	msgs []string
}

func (a *announcer) Notify(_ context.Context, text string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
}

func runWorker(t *testing.T, m *Monitor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestSentinelCreatesNoSession(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	creator := &fakeCreator{}
	counters := metrics.NewCounters()
	m := New(Config{DedupeWindow: time.Minute}, creator, nil, counters, nil, zap.New(core))
	stop := runWorker(t, m)
	defer stop()

	m.Report(errors.New("manual NIGHTWATCH_SELF_TEST from operator"))

	assert.EqualValues(t, 1, m.Stats().Validations)
	assert.Zero(t, m.Stats().Published)
	assert.Zero(t, counters.Values().Errors)
	assert.Equal(t, 1, logs.FilterMessage("self-healing validation succeeded").Len())
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, creator.requests())
}

func TestErrorCreatesExactlyOneSession(t *testing.T) {
	creator := &fakeCreator{}
	counters := metrics.NewCounters()
	ann := &announcer{}
	m := New(Config{DedupeWindow: 30 * time.Minute, Source: "sources/github/acme/app"}, creator, ann, counters, nil, nil)
	stop := runWorker(t, m)
	defer stop()

	m.Report(errors.New("db connection refused after 3 attempts"))
	// Same failure with different numbers is a duplicate.
	m.Report(errors.New("db connection refused after 4 attempts"))

	require.Eventually(t, func() bool { return m.Stats().Created == 1 }, time.Second, time.Millisecond)
	reqs := creator.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.OriginRemediation, reqs[0].Origin)
	assert.Equal(t, "sources/github/acme/app", reqs[0].Source)
	assert.Contains(t, reqs[0].Prompt, "db connection refused")

	st := m.Stats()
	assert.EqualValues(t, 1, st.Suppressed)
	v := counters.Values()
	assert.EqualValues(t, 2, v.Errors)
	assert.EqualValues(t, 1, v.Remediations)

	require.Eventually(t, func() bool {
		ann.mu.Lock()
		defer ann.mu.Unlock()
		return len(ann.msgs) == 1
	}, time.Second, time.Millisecond)
}

func TestDedupeWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(Config{DedupeWindow: 30 * time.Minute}, &fakeCreator{}, nil, nil, nil, nil)
	m.now = func() time.Time { return now }

	m.Report(errors.New("boom"))
	now = now.Add(10 * time.Minute)
	m.Report(errors.New("boom"))
	now = now.Add(31 * time.Minute)
	m.Report(errors.New("boom"))

	assert.EqualValues(t, 2, m.Stats().Published)
	assert.EqualValues(t, 1, m.Stats().Suppressed)
	assert.Equal(t, 2, m.Stats().Pending)
}

func TestDisabledCountsOnly(t *testing.T) {
	counters := metrics.NewCounters()
	m := New(Config{}, &fakeCreator{}, nil, counters, func() bool { return true }, nil)

	m.Report(errors.New("boom"))
	assert.EqualValues(t, 1, counters.Values().Errors)
	assert.Zero(t, m.Stats().Published)
}

func TestPublishNeverBlocks(t *testing.T) {
	counters := metrics.NewCounters()
	m := New(Config{Buffer: 1}, &fakeCreator{}, nil, counters, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Report(fmt.Errorf("distinct failure %c", 'a'+i))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a full channel")
	}
	assert.EqualValues(t, 1, m.Stats().Published)
	assert.EqualValues(t, 4, m.Stats().Dropped)
	assert.EqualValues(t, 4, counters.Values().RemediationsDropped)
}

func TestRecoverAndGo(t *testing.T) {
	m := New(Config{}, &fakeCreator{}, nil, nil, nil, nil)

	func() {
		defer m.Recover()
		panic("nil map write")
	}()
	req := <-m.Events()
	assert.Equal(t, "panic", req.Kind)
	assert.Contains(t, req.Stack, "TestRecoverAndGo")

	m.Go("worker", func() { panic("worker exploded") })
	m.Wait()
	req = <-m.Events()
	assert.Equal(t, "worker exploded", req.Message)
}

func TestRemediationFailureNotReReported(t *testing.T) {
	counters := metrics.NewCounters()
	creator := &fakeCreator{err: fmt.Errorf("bucket: %w", models.ErrRateLimited)}
	m := New(Config{}, creator, nil, counters, nil, nil)
	stop := runWorker(t, m)
	defer stop()

	m.Report(errors.New("boom"))
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, counters.Values().Errors)
	assert.Zero(t, m.Stats().Pending)
}

func TestTransientFailureAllowsNextOccurrence(t *testing.T) {
	creator := &fakeCreator{errs: []error{fmt.Errorf("jules: %w", models.ErrCircuitOpen)}}
	m := New(Config{DedupeWindow: time.Hour}, creator, nil, nil, nil, nil)
	stop := runWorker(t, m)
	defer stop()

	m.Report(errors.New("db connection refused"))
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, time.Second, time.Millisecond)

	m.Report(errors.New("db connection refused"))
	require.Eventually(t, func() bool { return m.Stats().Created == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, m.Stats().Suppressed)
	assert.Len(t, creator.requests(), 1)

	// Once a session exists the window applies again.
	m.Report(errors.New("db connection refused"))
	assert.EqualValues(t, 1, m.Stats().Suppressed)
}

func TestPermanentFailureKeepsFingerprint(t *testing.T) {
	creator := &fakeCreator{errs: []error{fmt.Errorf("prompt: %w", models.ErrValidation)}}
	m := New(Config{DedupeWindow: time.Hour}, creator, nil, nil, nil, nil)
	stop := runWorker(t, m)
	defer stop()

	m.Report(errors.New("boom"))
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, time.Second, time.Millisecond)
	m.Report(errors.New("boom"))
	assert.EqualValues(t, 1, m.Stats().Suppressed)
}

func TestRunDrainsAfterCancel(t *testing.T) {
	creator := &fakeCreator{}
	m := New(Config{}, creator, nil, nil, nil, nil)
	m.Report(errors.New("queue loop panicked"))
	m.Report(errors.New("poller stalled"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	assert.Len(t, creator.requests(), 2)
	assert.EqualValues(t, 2, m.Stats().Created)
	assert.Zero(t, m.Stats().Pending)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("timeout after 30s on session 123"), Fingerprint("Timeout after 45s on session 999"))
	assert.NotEqual(t, Fingerprint("timeout"), Fingerprint("refused"))
}
