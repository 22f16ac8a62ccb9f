package guard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
)

// Config configures a Guard.
type Config struct {
	Name             string
	Buckets          map[Class]Bucket
	FailureThreshold int
	Cooldown         time.Duration
}

// Guard pairs a Limiter and a Breaker around one downstream dependency.
type Guard struct {
	name    string
	limiter *Limiter
	breaker *Breaker
	logger  *zap.Logger
}

// New creates a guard for the named dependency.
func New(cfg Config, logger *zap.Logger) *Guard {
	g := &Guard{
		name:    cfg.Name,
		limiter: NewLimiter(cfg.Buckets),
		breaker: NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		logger:  logging.OrNop(logger).Named("guard").With(zap.String("dependency", cfg.Name)),
	}
	g.breaker.OnStateChange(func(from, to BreakerState) {
		g.logger.Warn("circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	return g
}

// Admit consults the breaker then takes a token for class. A nil error is the
// token: the caller must report the outcome with Done.
func (g *Guard) Admit(class Class) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	if err := g.limiter.Admit(class); err != nil {
		// Releases a half-open trial slot without judging the remote.
		g.breaker.Record(err)
		return err
	}
	return nil
}

// Done reports the outcome of an admitted call.
func (g *Guard) Done(err error) {
	g.breaker.Record(err)
}

// Do admits, runs fn, and records its outcome. While the breaker is open or
// the bucket is empty fn is not called. A panic in fn is recorded as neutral
// and propagates.
func (g *Guard) Do(ctx context.Context, class Class, fn func(ctx context.Context) error) error {
	if err := g.Admit(class); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			g.Done(context.Canceled)
			panic(p)
		}
	}()
	err := fn(ctx)
	g.Done(err)
	return err
}

// Breaker exposes the breaker for status reporting.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Limiter exposes the limiter for status reporting.
func (g *Guard) Limiter() *Limiter {
	return g.limiter
}

// Name returns the dependency name.
func (g *Guard) Name() string {
	return g.name
}

// Call runs fn through g and returns its value.
func Call[T any](ctx context.Context, g *Guard, class Class, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, class, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
