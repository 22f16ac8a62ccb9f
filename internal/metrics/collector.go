package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nightwatch"

// collector exports a StatusSnapshot at scrape time.
type collector struct {
	r *Reporter

	sessions     *prometheus.Desc
	breakerState *prometheus.Desc
	breakerTrips *prometheus.Desc
	rateLimited  *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheSize    *prometheus.Desc
	queueDepth   *prometheus.Desc
	counters     map[string]*prometheus.Desc
	uptime       *prometheus.Desc
}

func newCollector(r *Reporter) *collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &collector{
		r: r,
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sessions"),
			"Tracked sessions by state.", []string{"state"}, nil),
		breakerState: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "state"),
			"Circuit breaker state (0 closed, 1 open, 2 half open).", []string{"dependency"}, nil),
		breakerTrips: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "trips_total"),
			"Times the breaker opened.", []string{"dependency"}, nil),
		rateLimited: prometheus.NewDesc(prometheus.BuildFQName(namespace, "limiter", "rejected_total"),
			"Calls rejected by the token bucket.", []string{"dependency"}, nil),
		cacheHits:   desc("cache_hits_total", "Result cache hits."),
		cacheMisses: desc("cache_misses_total", "Result cache misses."),
		cacheSize:   desc("cache_entries", "Result cache entries."),
		queueDepth:  desc("queue_depth", "Deferred session creations waiting for capacity."),
		uptime:      desc("uptime_seconds", "Seconds since the engine started."),
		counters: map[string]*prometheus.Desc{
			"sessions_created":       desc("sessions_created_total", "Sessions created."),
			"sessions_failed":        desc("sessions_failed_total", "Sessions that reached the failed state."),
			"errors":                 desc("errors_total", "Failures reported to the self-healing monitor."),
			"remediations_requested": desc("remediations_requested_total", "Remediation sessions requested."),
			"remediations_dropped":   desc("remediations_dropped_total", "Remediation requests dropped on overflow."),
			"routine_runs":           desc("routine_runs_total", "Scheduled routine executions."),
			"routine_failures":       desc("routine_failures_total", "Scheduled routine executions that failed."),
			"queue_deferred":         desc("queue_deferred_total", "Queue drains deferred by rate limiting."),
			"queue_dropped":          desc("queue_dropped_total", "Queue entries dropped after a permanent failure."),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.sessions, c.breakerState, c.breakerTrips, c.rateLimited,
		c.cacheHits, c.cacheMisses, c.cacheSize, c.queueDepth, c.uptime,
	} {
		ch <- d
	}
	for _, d := range c.counters {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.r.Snapshot()

	for state, n := range snap.SessionsByState {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), state)
	}
	for name, b := range snap.Breakers {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerValue(b.State), name)
		ch <- prometheus.MustNewConstMetric(c.breakerTrips, prometheus.CounterValue, float64(b.Trips), name)
		ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.CounterValue, float64(b.RateLimited), name)
	}
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(snap.Cache.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(snap.Cache.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(snap.Cache.Size))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(snap.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(snap.UptimeSeconds))

	v := snap.Counters
	for key, val := range map[string]int64{
		"sessions_created":       v.SessionsCreated,
		"sessions_failed":        v.SessionsFailed,
		"errors":                 v.Errors,
		"remediations_requested": v.Remediations,
		"remediations_dropped":   v.RemediationsDropped,
		"routine_runs":           v.RoutineRuns,
		"routine_failures":       v.RoutineFailures,
		"queue_deferred":         v.QueueDeferred,
		"queue_dropped":          v.QueueDropped,
	} {
		ch <- prometheus.MustNewConstMetric(c.counters[key], prometheus.CounterValue, float64(val))
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
