package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// RetryPolicy retries transient transport failures with exponential backoff.
// Only ErrRemoteUnavailable is retried; client errors surface immediately.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry; it doubles each time.
	BaseDelay time.Duration
	// MaxDelay caps a single delay.
	MaxDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns three retries starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the backoff before retry number attempt (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, models.ErrRemoteUnavailable) || attempt >= p.MaxRetries {
			return err
		}
		delay := p.Delay(attempt + 1)
		logger.Debug("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallStats counts remote calls per operation.
type CallStats struct {
	mu      sync.Mutex
	calls   map[string]int64
	retries map[string]int64
	errors  map[string]int64
}

// NewCallStats creates an empty CallStats.
func NewCallStats() *CallStats {
	return &CallStats{
		calls:   make(map[string]int64),
		retries: make(map[string]int64),
		errors:  make(map[string]int64),
	}
}

func (s *CallStats) record(op string, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op] += int64(attempts)
	if attempts > 1 {
		s.retries[op] += int64(attempts - 1)
	}
	if err != nil {
		s.errors[op]++
	}
}

// OpStats is the per-operation view of CallStats.
type OpStats struct {
	Attempts int64 `json:"attempts"`
	Retries  int64 `json:"retries"`
	Errors   int64 `json:"errors"`
}

// Snapshot returns a copy of the counters.
func (s *CallStats) Snapshot() map[string]OpStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OpStats, len(s.calls))
	for op, n := range s.calls {
		out[op] = OpStats{Attempts: n, Retries: s.retries[op], Errors: s.errors[op]}
	}
	return out
}
