// Package guard contains the rate limiter and circuit breaker that every
// outbound call to the remote agent or the notification channel passes through.
package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// BreakerState represents the circuit breaker position.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails every call fast until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen has admitted a single trial call.
	BreakerHalfOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a read-only copy of the breaker's state.
type BreakerSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Trips               int64     `json:"trips"`
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
	inTrial  bool
	trips    int64

	onChange func(from, to BreakerState)
}

// NewBreaker creates a breaker that opens after threshold consecutive failures
// and allows one trial after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers a callback invoked (outside the lock) on every transition.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// open, and while a half-open trial is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to BreakerState
	changed := false
	defer func() {
		cb := b.onChange
		b.mu.Unlock()
		if changed && cb != nil {
			cb(from, to)
		}
	}()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return models.ErrCircuitOpen
		}
		from, to, changed = BreakerOpen, BreakerHalfOpen, true
		b.state = BreakerHalfOpen
		b.inTrial = true
		return nil
	case BreakerHalfOpen:
		if b.inTrial {
			return models.ErrCircuitOpen
		}
		b.inTrial = true
		return nil
	}
	return models.ErrInternalInconsistency
}

// Record feeds the outcome of an admitted call back into the breaker.
// Only failures that count (see Counts) move the breaker towards open.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from := b.state
	neutral := err != nil && !Counts(err)

	switch {
	case neutral:
		// Caller-side problems say nothing about the remote's health.
		if b.state == BreakerHalfOpen {
			b.inTrial = false
		}
	case err == nil:
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
			b.inTrial = false
		}
	default:
		b.failures++
		switch b.state {
		case BreakerHalfOpen:
			b.open()
		case BreakerClosed:
			if b.failures >= b.threshold {
				b.open()
			}
		}
	}

	to := b.state
	cb := b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.inTrial = false
	b.trips++
}

// State returns the current state. An open breaker whose cooldown has elapsed
// still reads as open until the next call tries it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		Trips:               b.trips,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = BreakerClosed
	b.failures = 0
	b.inTrial = false
	b.mu.Unlock()
}

// Counts reports whether err is a breaker failure: network errors, timeouts
// and 5xx responses. Client errors and caller cancellation do not count.
func Counts(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, models.ErrRemoteUnavailable):
		return true
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrRateLimited),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrCircuitOpen):
		return false
	default:
		// Unclassified errors are treated as remote failures.
		var re *models.RemoteError
		if errors.As(err, &re) {
			return re.StatusCode == 0 || re.StatusCode >= 500
		}
		return !isCanceled(err)
	}
}
