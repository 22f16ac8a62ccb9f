// Package api contains the JSON request and response bodies shared by the
// server and the CLI.
package api

import (
	"time"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// MessageRequest is the body of POST /sessions/{id}/message.
type MessageRequest struct {
	Prompt string `json:"prompt"`
}

// DiffResponse is returned by GET /sessions/{id}/diff.
type DiffResponse struct {
	SessionID string `json:"session_id"`
	Patch     string `json:"patch"`
}

// DeleteResponse reports how many items an administrative delete removed.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// BatchItem is one explicit entry in a source-list batch.
type BatchItem struct {
	Key    string `json:"key,omitempty"`
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
	Source string `json:"source,omitempty"`
}

// CreateBatchRequest is the body of POST /batches. Exactly one of Label or
// Items is set.
type CreateBatchRequest struct {
	Label string      `json:"label,omitempty"`
	Repo  string      `json:"repo,omitempty"`
	Items []BatchItem `json:"items,omitempty"`
}

// ItemResultsResponse wraps per-item outcomes of batch actions.
type ItemResultsResponse struct {
	BatchID string              `json:"batch_id"`
	Results []models.ItemResult `json:"results"`
}

// DrainRequest is the body of POST /queue/drain.
type DrainRequest struct {
	Max int `json:"max,omitempty"`
}

// DrainResult is one dispatched queue entry.
type DrainResult struct {
	EntryID   string `json:"entry_id"`
	SessionID string `json:"session_id,omitempty"`
	Deferred  bool   `json:"deferred,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DrainResponse is returned by POST /queue/drain.
type DrainResponse struct {
	Results   []DrainResult `json:"results"`
	Remaining int           `json:"remaining"`
}

// QueueResponse is returned by GET /queue.
type QueueResponse struct {
	Entries []models.QueueEntry `json:"entries"`
	Paused  bool                `json:"paused"`
}

// ScheduleEntry is one routine in GET /schedule.
type ScheduleEntry struct {
	Routine      string    `json:"routine"`
	Hour         int       `json:"hour"`
	Running      bool      `json:"running"`
	LastFiredDay string    `json:"last_fired_day,omitempty"`
	NextEligible time.Time `json:"next_eligible"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastError    string    `json:"last_error,omitempty"`
	Runs         int       `json:"runs"`
}

// RunRoutineResponse is returned by POST /schedule/{name}/run.
type RunRoutineResponse struct {
	Routine string `json:"routine"`
	Error   string `json:"error,omitempty"`
}

// MergeRequest is the body of POST /prs/{owner}/{repo}/{n}/merge.
type MergeRequest struct {
	CommitTitle string `json:"commit_title,omitempty"`
}

// CommentRequest is the body of POST /prs/{owner}/{repo}/{n}/comment.
type CommentRequest struct {
	Body string `json:"body"`
}
