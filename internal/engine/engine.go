// Package engine builds the orchestration context: every component, wired
// once, owned by one Engine value.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/nightwatch/internal/batch"
	"github.com/ShayCichocki/nightwatch/internal/cache"
	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/guard"
	"github.com/ShayCichocki/nightwatch/internal/healing"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/notify"
	"github.com/ShayCichocki/nightwatch/internal/queue"
	"github.com/ShayCichocki/nightwatch/internal/registry"
	"github.com/ShayCichocki/nightwatch/internal/remote"
	"github.com/ShayCichocki/nightwatch/internal/routines"
	"github.com/ShayCichocki/nightwatch/internal/scheduler"
	"github.com/ShayCichocki/nightwatch/internal/server"
	"github.com/ShayCichocki/nightwatch/internal/signals"
	"github.com/ShayCichocki/nightwatch/internal/state"
	"github.com/ShayCichocki/nightwatch/internal/version"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Engine owns every long-lived component.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	Store     *state.DB
	Counters  *metrics.Counters
	Cache     *cache.Cache
	Agent     *remote.GuardedAgent
	GitHub    *remote.GuardedGitHub
	Notifier  *notify.BestEffort
	Registry  *registry.Registry
	Queue     *queue.Queue
	Batches   *batch.Dispatcher
	Switches  *signals.Switches
	Monitor   *healing.Monitor
	Scheduler *scheduler.Scheduler
	Reporter  *metrics.Reporter
	Server    *server.Server
}

// Options overrides pieces of the engine, mostly for tests.
type Options struct {
	// Agent replaces the Jules client. It is still wrapped by the guard.
	Agent remote.Agent
	// GitHub replaces the GitHub client.
	GitHub *remote.GitHubClient
	// Notifier replaces the Telegram notifier.
	Notifier notify.Notifier
}

// New opens the store and builds every component. Nothing runs until Run.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config")
	}
	logger = logging.OrNop(logger)

	db, err := state.OpenDriver(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		Store:    db,
		Counters: metrics.NewCounters(),
		Cache:    cache.New(cfg.Cache.Capacity),
	}
	loc := cfg.Location()
	observe := e.remoteObserver()
	// e.Monitor is built after the registry and dispatcher that report to it.
	panics := registry.PanicFunc(func(value any, stack []byte) {
		e.Monitor.ReportPanic(value, stack)
	})

	buckets := map[guard.Class]guard.Bucket{
		guard.ClassRead:  {PerSecond: cfg.Limits.ReadPerSecond, Burst: cfg.Limits.ReadBurst},
		guard.ClassWrite: {PerSecond: cfg.Limits.WritePerSecond, Burst: cfg.Limits.WriteBurst},
	}
	newGuard := func(name string, b map[guard.Class]guard.Bucket) *guard.Guard {
		return guard.New(guard.Config{
			Name:             name,
			Buckets:          b,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		}, logger)
	}
	julesGuard := newGuard("jules", buckets)
	githubGuard := newGuard("github", buckets)
	notifyGuard := newGuard("notify", map[guard.Class]guard.Bucket{
		guard.ClassWrite: {PerSecond: cfg.Limits.NotifyPerMinute / 60, Burst: 1},
	})

	agent := opts.Agent
	if agent == nil {
		jopts := remote.JulesOptionsFromConfig(cfg.Jules)
		jopts.Observer = observe
		jopts.Logger = logger
		agent = remote.NewJulesClient(jopts)
	}
	e.Agent = remote.NewGuardedAgent(agent, julesGuard)

	gh := opts.GitHub
	if gh == nil {
		gh = remote.NewGitHubClient(remote.GitHubOptions{
			Token:    cfg.GitHub.Token,
			BaseURL:  cfg.GitHub.BaseURL,
			Timeout:  cfg.Jules.RequestTimeout,
			Retry:    remote.DefaultRetryPolicy(),
			Observer: observe,
			Logger:   logger,
		})
	}
	e.GitHub = remote.NewGuardedGitHub(gh, githubGuard)

	sender := opts.Notifier
	if sender == nil {
		sender = notify.FromConfig(cfg.Telegram)
	}
	e.Notifier = notify.NewBestEffort(sender, notifyGuard, cfg.Telegram.Timeout, logger)

	e.Registry = registry.New(e.Agent, registry.Options{
		DefaultSource:   cfg.Jules.DefaultSource,
		StartingBranch:  cfg.Jules.StartingBranch,
		AutomationMode:  models.AutomationMode(cfg.Jules.AutomationMode),
		DailyQuota:      cfg.Limits.DailySessions,
		MaxActive:       cfg.Limits.MaxActiveSessions,
		Location:        loc,
		ListTTL:         cfg.Cache.TTL,
		PollConcurrency: cfg.Poller.Concurrency,
		StaleAfter:      cfg.Poller.StaleAfter,
	},
		registry.WithStore(db),
		registry.WithCache(e.Cache),
		registry.WithCounters(e.Counters),
		registry.WithAnnouncer(e.Notifier),
		registry.WithLogger(logger),
		registry.WithPanicReporter(panics),
	)

	e.Queue = queue.New(e.Registry, db, e.Counters, logger)
	e.Batches = batch.New(e.Registry, e.GitHub, db, batch.Config{
		DefaultRepo: remote.RepoFromSource(cfg.Jules.DefaultSource),
		Concurrency: cfg.Poller.Concurrency,
		Panics:      panics,
	}, logger)

	e.Switches = signals.New(cfg.Signals.Dir, logger)
	e.Switches.OnChange(signals.PauseQueue, func(on bool) {
		if on {
			e.Queue.Pauser().Pause()
		} else {
			e.Queue.Pauser().Resume()
		}
	})

	healingOff := e.Switches.Func(signals.DisableHealing)
	e.Monitor = healing.New(healing.Config{
		Sentinel:     cfg.Healing.Sentinel,
		DedupeWindow: cfg.Healing.DedupeWindow,
		Buffer:       cfg.Healing.Buffer,
		Source:       cfg.Jules.DefaultSource,
	}, e.Registry, e.Notifier, e.Counters, func() bool {
		return !cfg.Healing.Enabled || healingOff()
	}, logger)

	e.Scheduler = scheduler.New(scheduler.Config{
		Location:       loc,
		RoutineTimeout: cfg.Scheduler.RoutineTimeout,
	}, db, e.Counters, e.Monitor, logger)
	if err := e.registerRoutines(); err != nil {
		db.Close()
		return nil, err
	}

	e.Reporter = metrics.NewReporter(metrics.Sources{
		Sessions: e.Registry,
		Queue:    e.Queue,
		Cache:    e.Cache,
		Guards:   []*guard.Guard{julesGuard, githubGuard, notifyGuard},
		Counters: e.Counters,
	}, version.Get())

	e.Server = server.New(cfg.Server.Addr, server.Deps{
		Sessions:     e.Registry,
		Batches:      e.Batches,
		Queue:        e.Queue,
		Schedule:     e.Scheduler,
		PullRequests: e.GitHub,
		Reporter:     e.Reporter,
		Panics:       e.Monitor,
		Version:      version.Get(),
	}, logger)

	return e, nil
}

func (e *Engine) registerRoutines() error {
	sc := e.cfg.Scheduler
	if sc.Evolution.Enabled {
		src := sc.Evolution.Source
		if src == "" {
			src = e.cfg.Jules.DefaultSource
		}
		r := routines.NewEvolution(e.Registry, sc.Evolution.BacklogPath, src,
			e.Switches.Func(signals.DisableEvolution), e.logger).DeferTo(e.Queue)
		if err := e.Scheduler.Register(r, sc.Evolution.Hour); err != nil {
			return fmt.Errorf("register %s: %w", r.Name(), err)
		}
	}
	if sc.QA.Enabled {
		src := sc.QA.Source
		if src == "" {
			src = e.cfg.Jules.DefaultSource
		}
		r := routines.NewQA(e.Registry, src, e.Switches.Func(signals.DisableQA), e.logger).DeferTo(e.Queue)
		if err := e.Scheduler.Register(r, sc.QA.Hour); err != nil {
			return fmt.Errorf("register %s: %w", r.Name(), err)
		}
	}
	return nil
}

func (e *Engine) remoteObserver() remote.Observer {
	log := e.logger.Named("remote")
	return func(service, op string, status int, elapsed time.Duration, err error) {
		if err != nil {
			log.Debug("remote call failed",
				zap.String("service", service),
				zap.String("op", op),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return
		}
		log.Debug("remote call",
			zap.String("service", service),
			zap.String("op", op),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed))
	}
}

// Restore reloads persisted sessions, batches, queue entries and the schedule
// table, then reports what the previous process left behind.
func (e *Engine) Restore() error {
	sessions, err := e.Registry.Restore()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	batches, err := e.Batches.Restore()
	if err != nil {
		return fmt.Errorf("restore batches: %w", err)
	}
	entries, err := e.Queue.Restore()
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	if err := e.Scheduler.Restore(); err != nil {
		return fmt.Errorf("restore schedule: %w", err)
	}

	interrupted, err := state.NewRecoveryManager(e.Store).CheckForInterrupted(e.cfg.Poller.StaleAfter)
	if err != nil {
		return fmt.Errorf("check interrupted: %w", err)
	}
	fields := []zap.Field{
		zap.Int("sessions", sessions),
		zap.Int("batches", batches),
		zap.Int("queue_entries", entries),
	}
	if interrupted != nil {
		fields = append(fields,
			zap.Int("active", len(interrupted.Active)),
			zap.Int("stale", len(interrupted.Stale)))
		for _, s := range interrupted.Stale {
			e.logger.Warn("session stale since last run",
				zap.String("session_id", s.ID),
				zap.String("state", string(s.State)),
				zap.Time("last_activity_at", s.LastActivityAt))
		}
	}
	e.logger.Info("state restored", fields...)
	return nil
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. In-flight routines and remediations finish before it returns.
//
// The healing worker runs outside the group: a loop that panics cancels the
// group, and the remediation it published must still be created.
func (e *Engine) Run(ctx context.Context) error {
	hctx, stopHealing := context.WithCancel(context.WithoutCancel(ctx))
	healingDone := make(chan struct{})
	go func() {
		defer close(healingDone)
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("healing loop panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			}
		}()
		e.logger.Debug("loop started", zap.String("loop", "healing"))
		_ = e.Monitor.Run(hctx)
	}()

	g, ctx := errgroup.WithContext(ctx)
	e.loop(g, ctx, "signals", e.Switches.Run)
	e.loop(g, ctx, "poller", func(ctx context.Context) error {
		return e.Registry.RunPoller(ctx, e.cfg.Poller.Interval)
	})
	e.loop(g, ctx, "queue", func(ctx context.Context) error {
		return e.Queue.Run(ctx, e.cfg.Queue.DrainInterval, e.cfg.Queue.DrainBatch)
	})
	e.loop(g, ctx, "scheduler", func(ctx context.Context) error {
		return e.Scheduler.Run(ctx, e.cfg.Scheduler.TickInterval)
	})
	if e.cfg.Server.Addr != "" {
		e.loop(g, ctx, "server", e.Server.Run)
	}

	err := g.Wait()
	e.Scheduler.Wait()
	e.Monitor.Wait()
	stopHealing()
	<-healingDone
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// loop runs fn in g. A panic is handed to the monitor and ends the group.
func (e *Engine) loop(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				e.Monitor.ReportPanic(p, debug.Stack())
				err = fmt.Errorf("%s loop panicked: %v", name, p)
			}
		}()
		e.logger.Debug("loop started", zap.String("loop", name))
		return fn(ctx)
	})
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.Store.Close()
}
