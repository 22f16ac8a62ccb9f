// Package metrics aggregates process counters and component state into a
// status snapshot and a Prometheus registry.
package metrics

import "sync/atomic"

// Counters are cumulative process-wide counts. A nil *Counters ignores updates.
type Counters struct {
	sessionsCreated     atomic.Int64
	sessionsFailed      atomic.Int64
	errors              atomic.Int64
	remediations        atomic.Int64
	remediationsDropped atomic.Int64
	routineRuns         atomic.Int64
	routineFailures     atomic.Int64
	queueDeferred       atomic.Int64
	queueDropped        atomic.Int64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) SessionCreated() {
	if c != nil {
		c.sessionsCreated.Add(1)
	}
}

func (c *Counters) SessionFailed() {
	if c != nil {
		c.sessionsFailed.Add(1)
	}
}

// Error counts a failure observed by the self-healing monitor.
func (c *Counters) Error() {
	if c != nil {
		c.errors.Add(1)
	}
}

func (c *Counters) RemediationRequested() {
	if c != nil {
		c.remediations.Add(1)
	}
}

func (c *Counters) RemediationDropped() {
	if c != nil {
		c.remediationsDropped.Add(1)
	}
}

func (c *Counters) RoutineRun(failed bool) {
	if c == nil {
		return
	}
	c.routineRuns.Add(1)
	if failed {
		c.routineFailures.Add(1)
	}
}

func (c *Counters) QueueDeferred() {
	if c != nil {
		c.queueDeferred.Add(1)
	}
}

func (c *Counters) QueueDropped() {
	if c != nil {
		c.queueDropped.Add(1)
	}
}

// CounterValues is a point-in-time copy of Counters.
type CounterValues struct {
	SessionsCreated     int64 `json:"sessions_created" yaml:"sessions_created"`
	SessionsFailed      int64 `json:"sessions_failed" yaml:"sessions_failed"`
	Errors              int64 `json:"errors" yaml:"errors"`
	Remediations        int64 `json:"remediations_requested" yaml:"remediations_requested"`
	RemediationsDropped int64 `json:"remediations_dropped" yaml:"remediations_dropped"`
	RoutineRuns         int64 `json:"routine_runs" yaml:"routine_runs"`
	RoutineFailures     int64 `json:"routine_failures" yaml:"routine_failures"`
	QueueDeferred       int64 `json:"queue_deferred" yaml:"queue_deferred"`
	QueueDropped        int64 `json:"queue_dropped" yaml:"queue_dropped"`
}

// Values copies the counters.
func (c *Counters) Values() CounterValues {
	if c == nil {
		return CounterValues{}
	}
	return CounterValues{
		SessionsCreated:     c.sessionsCreated.Load(),
		SessionsFailed:      c.sessionsFailed.Load(),
		Errors:              c.errors.Load(),
		Remediations:        c.remediations.Load(),
		RemediationsDropped: c.remediationsDropped.Load(),
		RoutineRuns:         c.routineRuns.Load(),
		RoutineFailures:     c.routineFailures.Load(),
		QueueDeferred:       c.queueDeferred.Load(),
		QueueDropped:        c.queueDropped.Load(),
	}
}
