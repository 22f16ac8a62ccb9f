package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ShayCichocki/nightwatch/internal/batch"
	"github.com/ShayCichocki/nightwatch/internal/registry"
	"github.com/ShayCichocki/nightwatch/pkg/api"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: s.deps.Version})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		s.httpError(w, fmt.Errorf("status reporter: %w", models.ErrNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Reporter.Snapshot())
}

// Sessions

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		State:   models.SessionState(q.Get("state")),
		Origin:  models.Origin(q.Get("origin")),
		BatchID: q.Get("batch_id"),
		Active:  q.Get("active") == "true",
	}
	if f.State != "" && !f.State.Valid() {
		s.httpError(w, fmt.Errorf("unknown state %q: %w", f.State, models.ErrValidation))
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Sessions.List(f))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if req.Origin == "" {
		req.Origin = models.OriginAPI
	}
	sess, err := s.deps.Sessions.Create(r.Context(), req)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) clearSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Sessions.Clear()
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, api.DeleteResponse{Deleted: n})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, api.DeleteResponse{Deleted: 1})
}

func (s *Server) transition(event func() registry.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.deps.Sessions.Transition(r.Context(), r.PathValue("id"), event())
		if err != nil {
			s.httpError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req api.MessageRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.deps.Sessions.SendMessage(r.Context(), r.PathValue("id"), req.Prompt); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activities(w http.ResponseWriter, r *http.Request) {
	acts, err := s.deps.Sessions.Activities(r.Context(), r.PathValue("id"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acts)
}

func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	patch, err := s.deps.Sessions.Diff(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, api.DiffResponse{SessionID: id, Patch: patch})
}

// Batches

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Batches.List())
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req api.CreateBatchRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}

	var (
		b   *models.BatchRequest
		err error
	)
	switch {
	case req.Label != "" && len(req.Items) > 0:
		err = fmt.Errorf("label and items are mutually exclusive: %w", models.ErrValidation)
	case req.Label != "":
		b, err = s.deps.Batches.CreateFromLabel(r.Context(), req.Label, req.Repo)
	case len(req.Items) > 0:
		items := make([]batch.Item, len(req.Items))
		for i, it := range req.Items {
			items[i] = batch.Item{Key: it.Key, Title: it.Title, Prompt: it.Prompt, Source: it.Source}
		}
		b, err = s.deps.Batches.CreateFromSources(r.Context(), items)
	default:
		err = fmt.Errorf("label or items is required: %w", models.ErrValidation)
	}
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, b)
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Batches.Status(r.PathValue("id"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) approveBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results, err := s.deps.Batches.ApproveAll(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, api.ItemResultsResponse{BatchID: id, Results: results})
}

func (s *Server) retryBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results, err := s.deps.Batches.RetryFailed(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, api.ItemResultsResponse{BatchID: id, Results: results})
}

// Queue

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, api.QueueResponse{
		Entries: s.deps.Queue.PeekAll(),
		Paused:  s.deps.Queue.Pauser().Paused(),
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if req.Prompt == "" {
		s.httpError(w, fmt.Errorf("prompt is required: %w", models.ErrValidation))
		return
	}
	if req.Origin == "" {
		req.Origin = models.OriginQueue
	}
	s.respondJSON(w, http.StatusAccepted, s.deps.Queue.Enqueue(req))
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, api.DeleteResponse{Deleted: s.deps.Queue.Clear()})
}

func (s *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	var req api.DrainRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	results := s.deps.Queue.Drain(r.Context(), req.Max)
	resp := api.DrainResponse{Results: make([]api.DrainResult, 0, len(results))}
	for _, res := range results {
		out := api.DrainResult{EntryID: res.Entry.ID, Deferred: res.Deferred, Error: res.Error}
		if res.Session != nil {
			out.SessionID = res.Session.ID
		}
		resp.Results = append(resp.Results, out)
	}
	resp.Remaining = s.deps.Queue.Len()
	s.respondJSON(w, http.StatusOK, resp)
}

// Schedule

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	table := s.deps.Schedule.Table()
	out := make([]api.ScheduleEntry, 0, len(table))
	for _, e := range table {
		out = append(out, api.ScheduleEntry{
			Routine:      e.Routine,
			Hour:         e.Hour,
			Running:      e.Running,
			LastFiredDay: e.LastFiredDay,
			NextEligible: e.NextEligible,
			LastRunAt:    e.LastRunAt,
			LastError:    e.LastError,
			Runs:         e.Runs,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) runRoutine(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.deps.Schedule.Trigger(r.Context(), name)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, api.RunRoutineResponse{Routine: name})
	case StatusFor(err) == http.StatusInternalServerError:
		// The routine ran and failed; that is a result, not a server error.
		s.respondJSON(w, http.StatusOK, api.RunRoutineResponse{Routine: name, Error: err.Error()})
	default:
		s.httpError(w, err)
	}
}

// Pull requests

func prTarget(r *http.Request) (owner, repo string, number int, err error) {
	owner, repo = r.PathValue("owner"), r.PathValue("repo")
	number, err = strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid pull request number %q: %w", r.PathValue("number"), models.ErrValidation)
	}
	return owner, repo, number, nil
}

func (s *Server) pullRequestsOrError(w http.ResponseWriter) bool {
	if s.deps.PullRequests == nil {
		s.httpError(w, fmt.Errorf("github is not configured: %w", models.ErrValidation))
		return false
	}
	return true
}

func (s *Server) pullRequest(w http.ResponseWriter, r *http.Request) {
	if !s.pullRequestsOrError(w) {
		return
	}
	owner, repo, n, err := prTarget(r)
	if err != nil {
		s.httpError(w, err)
		return
	}
	pr, err := s.deps.PullRequests.GetPullRequest(r.Context(), owner, repo, n)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pr)
}

func (s *Server) mergePullRequest(w http.ResponseWriter, r *http.Request) {
	if !s.pullRequestsOrError(w) {
		return
	}
	owner, repo, n, err := prTarget(r)
	if err != nil {
		s.httpError(w, err)
		return
	}
	var req api.MergeRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.deps.PullRequests.MergePullRequest(r.Context(), owner, repo, n, req.CommitTitle); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) commentPullRequest(w http.ResponseWriter, r *http.Request) {
	if !s.pullRequestsOrError(w) {
		return
	}
	owner, repo, n, err := prTarget(r)
	if err != nil {
		s.httpError(w, err)
		return
	}
	var req api.CommentRequest
	if err := decode(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.deps.PullRequests.AddComment(r.Context(), owner, repo, n, req.Body); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
