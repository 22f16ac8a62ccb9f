// Package healing turns process failures into remediation sessions.
//
// Panics and fatal loop errors reach the Monitor through Recover, Go and
// Report. Each one is counted and, unless it carries the self-test sentinel or
// was seen recently, published as a RemediationRequest on a buffered channel.
// A single worker consumes the channel and creates a session through the same
// funnel as every other write. Publishing never blocks; overflow is dropped.
package healing

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// DefaultSentinel marks errors raised on purpose to validate the monitor.
const DefaultSentinel = "NIGHTWATCH_SELF_TEST"

// Creator is the session creation funnel.
type Creator interface {
	Create(ctx context.Context, req models.CreateRequest) (*models.Session, error)
}

// Announcer delivers best-effort operator messages.
type Announcer interface {
	Notify(ctx context.Context, text string)
}

// RemediationRequest asks for a session that fixes a failure.
type RemediationRequest struct {
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Stack       string    `json:"stack,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// Config configures a Monitor.
type Config struct {
	Sentinel     string
	DedupeWindow time.Duration
	Buffer       int
	// Source is the repository remediation sessions work on.
	Source string
	// CreateTimeout bounds one remediation create.
	CreateTimeout time.Duration
}

// Stats counts monitor outcomes.
type Stats struct {
	Validations int64 `json:"validations"`
	Published   int64 `json:"published"`
	Suppressed  int64 `json:"suppressed"`
	Dropped     int64 `json:"dropped"`
	Created     int64 `json:"created"`
	Failed      int64 `json:"failed"`
	Pending     int   `json:"pending"`
}

// Monitor is the process-wide failure listener. The engine builds one.
type Monitor struct {
	cfg      Config
	creator  Creator
	announce Announcer
	counters *metrics.Counters
	disabled func() bool
	logger   *zap.Logger
	now      func() time.Time

	events chan RemediationRequest
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]time.Time

	validations atomic.Int64
	published   atomic.Int64
	suppressed  atomic.Int64
	dropped     atomic.Int64
	created     atomic.Int64
	failed      atomic.Int64
}

// New creates a monitor. announce, counters and disabled may be nil.
func New(cfg Config, creator Creator, announce Announcer, counters *metrics.Counters, disabled func() bool, logger *zap.Logger) *Monitor {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 16
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 2 * time.Minute
	}
	return &Monitor{
		cfg:      cfg,
		creator:  creator,
		announce: announce,
		counters: counters,
		disabled: disabled,
		logger:   logging.OrNop(logger).Named("healing"),
		now:      time.Now,
		events:   make(chan RemediationRequest, cfg.Buffer),
		seen:     make(map[string]time.Time),
	}
}

// Recover captures a panic in the calling goroutine. Use as `defer m.Recover()`.
func (m *Monitor) Recover() {
	if p := recover(); p != nil {
		m.handle("panic", fmt.Sprint(p), string(debug.Stack()))
	}
}

// ReportPanic handles a panic value recovered elsewhere, e.g. by HTTP middleware.
func (m *Monitor) ReportPanic(value any, stack []byte) {
	m.handle("panic", fmt.Sprint(value), string(stack))
}

// Report handles a fatal error surfaced by a loop.
func (m *Monitor) Report(err error) {
	if err == nil {
		return
	}
	m.handle("error", err.Error(), "")
}

// Go runs fn in a goroutine whose panics are captured.
func (m *Monitor) Go(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.Recover()
		m.logger.Debug("guarded goroutine started", zap.String("name", name))
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

var (
	hexRun   = regexp.MustCompile(`0x[0-9a-fA-F]+|[0-9a-f]{8,}`)
	digitRun = regexp.MustCompile(`[0-9]+`)
)

// Fingerprint groups failures that differ only in ids, counters or addresses.
func Fingerprint(message string) string {
	norm := strings.ToLower(strings.TrimSpace(message))
	norm = hexRun.ReplaceAllString(norm, "#")
	norm = digitRun.ReplaceAllString(norm, "#")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(norm)).String()
}

func (m *Monitor) handle(kind, message, stack string) {
	if m.cfg.Sentinel != "" && strings.Contains(message, m.cfg.Sentinel) {
		m.validations.Add(1)
		m.logger.Info("self-healing validation succeeded", zap.String("kind", kind))
		return
	}

	m.counters.Error()
	m.logger.Error("failure captured",
		zap.String("kind", kind),
		zap.String("message", message),
		zap.String("stack", stack))

	if m.disabled != nil && m.disabled() {
		m.logger.Warn("self-healing disabled, not remediating")
		return
	}

	now := m.now()
	req := RemediationRequest{
		Kind:        kind,
		Message:     message,
		Stack:       stack,
		Fingerprint: Fingerprint(message),
		At:          now.UTC(),
	}

	m.mu.Lock()
	if last, ok := m.seen[req.Fingerprint]; ok && now.Sub(last) < m.cfg.DedupeWindow {
		m.mu.Unlock()
		m.suppressed.Add(1)
		m.logger.Debug("duplicate failure suppressed", zap.String("fingerprint", req.Fingerprint))
		return
	}
	m.seen[req.Fingerprint] = now
	m.pruneLocked(now)
	m.mu.Unlock()

	select {
	case m.events <- req:
		m.published.Add(1)
		m.counters.RemediationRequested()
	default:
		m.forget(req.Fingerprint)
		n := m.dropped.Add(1)
		m.counters.RemediationDropped()
		if n%10 == 1 {
			m.logger.Warn("remediation channel full, dropping request",
				zap.Int64("dropped_total", n),
				zap.String("fingerprint", req.Fingerprint))
		}
	}
}

func (m *Monitor) forget(fingerprint string) {
	m.mu.Lock()
	delete(m.seen, fingerprint)
	m.mu.Unlock()
}

// pruneLocked forgets fingerprints older than the dedupe window. Caller holds m.mu.
func (m *Monitor) pruneLocked(now time.Time) {
	if len(m.seen) < 256 {
		return
	}
	for fp, t := range m.seen {
		if now.Sub(t) >= m.cfg.DedupeWindow {
			delete(m.seen, fp)
		}
	}
}

// Events exposes the remediation channel, for tests and alternative workers.
func (m *Monitor) Events() <-chan RemediationRequest {
	return m.events
}

// Run consumes remediation requests until ctx is done, then dispatches what
// is still buffered before returning. Requests published by a failure that
// also stopped the process are not lost.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.drain(ctx)
			return nil
		case req := <-m.events:
			m.remediate(ctx, req)
		}
	}
}

func (m *Monitor) drain(ctx context.Context) {
	for {
		select {
		case req := <-m.events:
			m.remediate(ctx, req)
		default:
			return
		}
	}
}

// remediate creates one session. Its failures are logged only; reporting them
// back to the monitor could loop. Transient failures forget the fingerprint
// so the next occurrence tries again.
func (m *Monitor) remediate(ctx context.Context, req RemediationRequest) {
	defer func() {
		if p := recover(); p != nil {
			m.failed.Add(1)
			m.logger.Error("remediation panicked", zap.Any("panic", p))
		}
	}()

	// Each create gets its own deadline; shutdown must not abort it.
	ctx = context.WithoutCancel(ctx)
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()
	s, err := m.creator.Create(cctx, models.CreateRequest{
		Prompt: remediationPrompt(req),
		Title:  models.Truncate("Self-heal: "+firstLine(req.Message), 80),
		Source: m.cfg.Source,
		Origin: models.OriginRemediation,
	})
	if err != nil {
		m.failed.Add(1)
		if models.IsTransient(err) {
			m.forget(req.Fingerprint)
		}
		m.logger.Error("remediation session not created",
			zap.String("fingerprint", req.Fingerprint),
			zap.Bool("transient", models.IsTransient(err)),
			zap.Error(err))
		return
	}
	m.created.Add(1)
	m.logger.Info("remediation session created",
		zap.String("session_id", s.ID),
		zap.String("fingerprint", req.Fingerprint))
	if m.announce != nil {
		m.announce.Notify(ctx, fmt.Sprintf("Self-healing session %s opened for: %s", s.ID, models.Truncate(firstLine(req.Message), 200)))
	}
}

func firstLine(s string) string {
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}

func remediationPrompt(req RemediationRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The nightwatch orchestrator captured a %s in production:\n\n", req.Kind)
	sb.WriteString(models.Truncate(req.Message, 2000))
	sb.WriteString("\n")
	if req.Stack != "" {
		sb.WriteString("\nStack trace:\n")
		sb.WriteString(models.Truncate(req.Stack, 6000))
		sb.WriteString("\n")
	}
	sb.WriteString("\nFind the root cause, fix it with a regression test and open a pull request.")
	return sb.String()
}

// Stats returns the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Validations: m.validations.Load(),
		Published:   m.published.Load(),
		Suppressed:  m.suppressed.Load(),
		Dropped:     m.dropped.Load(),
		Created:     m.created.Load(),
		Failed:      m.failed.Load(),
		Pending:     len(m.events),
	}
}
