package metrics

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/nightwatch/internal/cache"
	"github.com/ShayCichocki/nightwatch/internal/guard"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// SessionSource reports sessions per state.
type SessionSource interface {
	Counts() map[models.SessionState]int
}

// QueueSource reports the backlog depth.
type QueueSource interface {
	Len() int
}

// CacheSource reports cache effectiveness.
type CacheSource interface {
	Stats() cache.Stats
}

// Sources are the components a Reporter reads. Any of them may be nil.
type Sources struct {
	Sessions SessionSource
	Queue    QueueSource
	Cache    CacheSource
	Guards   []*guard.Guard
	Counters *Counters
}

// BreakerStatus is the reportable view of one circuit breaker.
type BreakerStatus struct {
	State               string    `json:"state" yaml:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	Trips               int64     `json:"trips" yaml:"trips"`
	OpenedAt            time.Time `json:"opened_at,omitempty" yaml:"opened_at,omitempty"`
	RateLimited         int64     `json:"rate_limited" yaml:"rate_limited"`
}

// CacheStatus is the reportable view of the result cache.
type CacheStatus struct {
	Hits     int64 `json:"hits" yaml:"hits"`
	Misses   int64 `json:"misses" yaml:"misses"`
	Size     int   `json:"size" yaml:"size"`
	Capacity int   `json:"capacity" yaml:"capacity"`
}

// StatusSnapshot is the health and status surface.
type StatusSnapshot struct {
	Version         string                   `json:"version" yaml:"version"`
	StartedAt       time.Time                `json:"started_at" yaml:"started_at"`
	UptimeSeconds   int64                    `json:"uptime_seconds" yaml:"uptime_seconds"`
	ActiveSessions  int                      `json:"active_sessions" yaml:"active_sessions"`
	SessionsByState map[string]int           `json:"sessions_by_state" yaml:"sessions_by_state"`
	Errors          int64                    `json:"errors" yaml:"errors"`
	Breakers        map[string]BreakerStatus `json:"breakers" yaml:"breakers"`
	Cache           CacheStatus              `json:"cache" yaml:"cache"`
	QueueDepth      int                      `json:"queue_depth" yaml:"queue_depth"`
	Counters        CounterValues            `json:"counters" yaml:"counters"`
}

// BreakerNames returns the breaker keys in a stable order.
func (s StatusSnapshot) BreakerNames() []string {
	names := make([]string, 0, len(s.Breakers))
	for n := range s.Breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reporter builds status snapshots and owns a private Prometheus registry.
type Reporter struct {
	src      Sources
	version  string
	started  time.Time
	now      func() time.Time
	registry *prometheus.Registry
}

// NewReporter creates a reporter and registers its collectors.
func NewReporter(src Sources, version string) *Reporter {
	r := &Reporter{
		src:      src,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
		registry: prometheus.NewRegistry(),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newCollector(r),
	)
	return r
}

// Snapshot reads every source once.
func (r *Reporter) Snapshot() StatusSnapshot {
	now := r.now()
	snap := StatusSnapshot{
		Version:         r.version,
		StartedAt:       r.started,
		UptimeSeconds:   int64(now.Sub(r.started) / time.Second),
		SessionsByState: make(map[string]int, len(models.AllSessionStates)),
		Breakers:        make(map[string]BreakerStatus, len(r.src.Guards)),
		Counters:        r.src.Counters.Values(),
	}
	snap.Errors = snap.Counters.Errors

	if r.src.Sessions != nil {
		for _, st := range models.AllSessionStates {
			snap.SessionsByState[string(st)] = 0
		}
		for st, n := range r.src.Sessions.Counts() {
			snap.SessionsByState[string(st)] = n
			if !st.Terminal() {
				snap.ActiveSessions += n
			}
		}
	}
	for _, g := range r.src.Guards {
		if g == nil {
			continue
		}
		b := g.Breaker().Snapshot()
		var limited int64
		for _, n := range g.Limiter().Rejected() {
			limited += n
		}
		snap.Breakers[g.Name()] = BreakerStatus{
			State:               b.State,
			ConsecutiveFailures: b.ConsecutiveFailures,
			Trips:               b.Trips,
			OpenedAt:            b.OpenedAt,
			RateLimited:         limited,
		}
	}
	if r.src.Cache != nil {
		cs := r.src.Cache.Stats()
		snap.Cache = CacheStatus{Hits: cs.Hits, Misses: cs.Misses, Size: cs.Size, Capacity: cs.Capacity}
	}
	if r.src.Queue != nil {
		snap.QueueDepth = r.src.Queue.Len()
	}
	return snap
}

// Registry exposes the Prometheus registry.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
