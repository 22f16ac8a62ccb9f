package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Class is an operation class with its own token bucket.
type Class string

const (
	// ClassRead covers get/list style calls.
	ClassRead Class = "read"
	// ClassWrite covers create/approve/cancel/delete style calls.
	ClassWrite Class = "write"
)

// Bucket configures one token bucket.
type Bucket struct {
	PerSecond float64
	Burst     int
}

// Limiter holds one token bucket per operation class.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[Class]*rate.Limiter
	rejected map[Class]int64
	now      func() time.Time
}

// NewLimiter creates a limiter. Classes missing from buckets are unlimited.
func NewLimiter(buckets map[Class]Bucket) *Limiter {
	l := &Limiter{
		buckets:  make(map[Class]*rate.Limiter, len(buckets)),
		rejected: make(map[Class]int64),
		now:      time.Now,
	}
	for class, b := range buckets {
		limit := rate.Limit(b.PerSecond)
		if b.PerSecond <= 0 {
			limit = rate.Inf
		}
		burst := b.Burst
		if burst < 1 {
			burst = 1
		}
		l.buckets[class] = rate.NewLimiter(limit, burst)
	}
	return l
}

// Admit takes a token for class or rejects immediately with ErrRateLimited.
func (l *Limiter) Admit(class Class) error {
	l.mu.Lock()
	lim, ok := l.buckets[class]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if lim.AllowN(l.now(), 1) {
		return nil
	}

	l.mu.Lock()
	l.rejected[class]++
	l.mu.Unlock()
	return fmt.Errorf("%s bucket exhausted: %w", class, models.ErrRateLimited)
}

// Rejected returns how many calls were rejected per class.
func (l *Limiter) Rejected() map[Class]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Class]int64, len(l.rejected))
	for k, v := range l.rejected {
		out[k] = v
	}
	return out
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
