// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/batch"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/internal/queue"
	"github.com/ShayCichocki/nightwatch/internal/registry"
	"github.com/ShayCichocki/nightwatch/internal/remote"
	"github.com/ShayCichocki/nightwatch/internal/scheduler"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Sessions is the registry surface the handlers use.
type Sessions interface {
	Create(ctx context.Context, req models.CreateRequest) (*models.Session, error)
	Get(id string) (*models.Session, error)
	List(f registry.Filter) []models.Session
	Transition(ctx context.Context, id string, ev registry.Event) (*models.Session, error)
	Retry(ctx context.Context, id string) (*models.Session, error)
	Refresh(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	Clear() (int, error)
	SendMessage(ctx context.Context, id, prompt string) error
	Activities(ctx context.Context, id string) ([]models.Activity, error)
	Diff(ctx context.Context, id string) (string, error)
}

// Batches is the batch dispatcher surface.
type Batches interface {
	CreateFromLabel(ctx context.Context, label, repo string) (*models.BatchRequest, error)
	CreateFromSources(ctx context.Context, items []batch.Item) (*models.BatchRequest, error)
	Get(id string) (*models.BatchRequest, error)
	List() []models.BatchRequest
	Status(id string) (*models.BatchStatusReport, error)
	ApproveAll(ctx context.Context, id string) ([]models.ItemResult, error)
	RetryFailed(ctx context.Context, id string) ([]models.ItemResult, error)
}

// Queue is the session queue surface.
type Queue interface {
	Enqueue(req models.CreateRequest) models.QueueEntry
	Drain(ctx context.Context, max int) []queue.DrainResult
	PeekAll() []models.QueueEntry
	Clear() int
	Len() int
	Pauser() *queue.PauseController
}

// Schedule is the scheduler surface.
type Schedule interface {
	Table() []scheduler.Entry
	Trigger(ctx context.Context, name string) error
}

// PanicReporter receives handler panics.
type PanicReporter interface {
	ReportPanic(value any, stack []byte)
}

// Deps are the components the server routes to. PullRequests and Panics may be nil.
type Deps struct {
	Sessions     Sessions
	Batches      Batches
	Queue        Queue
	Schedule     Schedule
	PullRequests remote.PullRequests
	Reporter     *metrics.Reporter
	Panics       PanicReporter
	Version      string
}

// Server is the HTTP server for the orchestration API.
type Server struct {
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates a server listening on addr.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, logger: logging.OrNop(logger).Named("server")}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Create and approve wait on the remote; keep well above its timeouts.
		WriteTimeout: 3 * time.Minute,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /status", s.status)
	if s.deps.Reporter != nil {
		mux.Handle("GET /metrics", s.deps.Reporter.Handler())
	}

	mux.HandleFunc("GET /sessions", s.listSessions)
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("DELETE /sessions", s.clearSessions)
	mux.HandleFunc("GET /sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /sessions/{id}/approve", s.transition(registry.Approve))
	mux.HandleFunc("POST /sessions/{id}/cancel", s.transition(registry.Cancel))
	mux.HandleFunc("POST /sessions/{id}/retry", s.retrySession)
	mux.HandleFunc("POST /sessions/{id}/refresh", s.refreshSession)
	mux.HandleFunc("POST /sessions/{id}/message", s.sendMessage)
	mux.HandleFunc("GET /sessions/{id}/activities", s.activities)
	mux.HandleFunc("GET /sessions/{id}/diff", s.diff)

	mux.HandleFunc("GET /batches", s.listBatches)
	mux.HandleFunc("POST /batches", s.createBatch)
	mux.HandleFunc("GET /batches/{id}", s.batchStatus)
	mux.HandleFunc("POST /batches/{id}/approve", s.approveBatch)
	mux.HandleFunc("POST /batches/{id}/retry", s.retryBatch)

	mux.HandleFunc("GET /queue", s.listQueue)
	mux.HandleFunc("POST /queue", s.enqueue)
	mux.HandleFunc("DELETE /queue", s.clearQueue)
	mux.HandleFunc("POST /queue/drain", s.drainQueue)

	mux.HandleFunc("GET /schedule", s.schedule)
	mux.HandleFunc("POST /schedule/{name}/run", s.runRoutine)

	mux.HandleFunc("GET /prs/{owner}/{repo}/{number}", s.pullRequest)
	mux.HandleFunc("POST /prs/{owner}/{repo}/{number}/merge", s.mergePullRequest)
	mux.HandleFunc("POST /prs/{owner}/{repo}/{number}/comment", s.commentPullRequest)

	return s.recoverer(s.accessLog(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
