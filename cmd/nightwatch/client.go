package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/pkg/api"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Client talks to a running nightwatch server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			// Creates wait on the remote agent behind the server.
			Timeout: 3 * time.Minute,
		},
	}
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var er api.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Status sends GET /status.
func (c *Client) Status(ctx context.Context) (*metrics.StatusSnapshot, error) {
	var snap metrics.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, "/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSessions sends GET /sessions with optional filters.
func (c *Client) ListSessions(ctx context.Context, q url.Values) ([]models.Session, error) {
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Session
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetSession sends GET /sessions/{id}.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession sends POST /sessions.
func (c *Client) CreateSession(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionAction sends POST /sessions/{id}/{action} for approve, cancel, retry and refresh.
func (c *Client) SessionAction(ctx context.Context, id, action string) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/"+action, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SendMessage sends POST /sessions/{id}/message.
func (c *Client) SendMessage(ctx context.Context, id, prompt string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/message", api.MessageRequest{Prompt: prompt}, nil)
}

// DeleteSession sends DELETE /sessions/{id}.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// Diff sends GET /sessions/{id}/diff.
func (c *Client) Diff(ctx context.Context, id string) (string, error) {
	var d api.DiffResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/diff", nil, &d); err != nil {
		return "", err
	}
	return d.Patch, nil
}

// CreateBatch sends POST /batches.
func (c *Client) CreateBatch(ctx context.Context, req api.CreateBatchRequest) (*models.BatchRequest, error) {
	var b models.BatchRequest
	if err := c.do(ctx, http.MethodPost, "/batches", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatches sends GET /batches.
func (c *Client) ListBatches(ctx context.Context) ([]models.BatchRequest, error) {
	var out []models.BatchRequest
	err := c.do(ctx, http.MethodGet, "/batches", nil, &out)
	return out, err
}

// BatchStatus sends GET /batches/{id}.
func (c *Client) BatchStatus(ctx context.Context, id string) (*models.BatchStatusReport, error) {
	var r models.BatchStatusReport
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// BatchAction sends POST /batches/{id}/{action} for approve and retry.
func (c *Client) BatchAction(ctx context.Context, id, action string) (*api.ItemResultsResponse, error) {
	var r api.ItemResultsResponse
	if err := c.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(id)+"/"+action, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Queue sends GET /queue.
func (c *Client) Queue(ctx context.Context) (*api.QueueResponse, error) {
	var q api.QueueResponse
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Enqueue sends POST /queue.
func (c *Client) Enqueue(ctx context.Context, req models.CreateRequest) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := c.do(ctx, http.MethodPost, "/queue", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Drain sends POST /queue/drain.
func (c *Client) Drain(ctx context.Context, max int) (*api.DrainResponse, error) {
	var r api.DrainResponse
	if err := c.do(ctx, http.MethodPost, "/queue/drain", api.DrainRequest{Max: max}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ClearQueue sends DELETE /queue.
func (c *Client) ClearQueue(ctx context.Context) (int, error) {
	var r api.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/queue", nil, &r); err != nil {
		return 0, err
	}
	return r.Deleted, nil
}

// Schedule sends GET /schedule.
func (c *Client) Schedule(ctx context.Context) ([]api.ScheduleEntry, error) {
	var out []api.ScheduleEntry
	err := c.do(ctx, http.MethodGet, "/schedule", nil, &out)
	return out, err
}

// RunRoutine sends POST /schedule/{name}/run.
func (c *Client) RunRoutine(ctx context.Context, name string) (*api.RunRoutineResponse, error) {
	var r api.RunRoutineResponse
	if err := c.do(ctx, http.MethodPost, "/schedule/"+url.PathEscape(name)+"/run", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func prPath(repo string, number int) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("repository must be owner/name, got %q", repo)
	}
	return fmt.Sprintf("/prs/%s/%s/%d", url.PathEscape(owner), url.PathEscape(name), number), nil
}

// PullRequest sends GET /prs/{owner}/{repo}/{n}.
func (c *Client) PullRequest(ctx context.Context, repo string, number int) (*models.PullRequest, error) {
	path, err := prPath(repo, number)
	if err != nil {
		return nil, err
	}
	var pr models.PullRequest
	if err := c.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// MergePullRequest sends POST /prs/{owner}/{repo}/{n}/merge.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, title string) error {
	path, err := prPath(repo, number)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path+"/merge", api.MergeRequest{CommitTitle: title}, nil)
}

// CommentPullRequest sends POST /prs/{owner}/{repo}/{n}/comment.
func (c *Client) CommentPullRequest(ctx context.Context, repo string, number int, body string) error {
	path, err := prPath(repo, number)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path+"/comment", api.CommentRequest{Body: body}, nil)
}
