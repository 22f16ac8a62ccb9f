package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// JulesClient talks to the Jules v1alpha REST API.
type JulesClient struct {
	t             *transport
	createTimeout time.Duration
}

// JulesOptions configures a JulesClient.
type JulesOptions struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
	CreateTimeout  time.Duration
	Retry          RetryPolicy
	HTTPClient     *http.Client
	Stats          *CallStats
	Observer       Observer
	Logger         *zap.Logger
}

// JulesOptionsFromConfig maps the jules config section onto client options.
func JulesOptionsFromConfig(cfg config.JulesConfig) JulesOptions {
	return JulesOptions{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		CreateTimeout:  cfg.CreateTimeout,
		Retry: RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   30 * time.Second,
		},
	}
}

// NewJulesClient creates a client. The key is sent as X-Goog-Api-Key, or as a
// bearer token when it is an OAuth access token.
func NewJulesClient(opts JulesOptions) *JulesClient {
	if opts.BaseURL == "" {
		opts.BaseURL = config.Default().Jules.BaseURL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = opts.RequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	key := strings.TrimSpace(opts.APIKey)
	return &JulesClient{
		createTimeout: opts.CreateTimeout,
		t: &transport{
			service: "jules",
			baseURL: strings.TrimRight(opts.BaseURL, "/"),
			http:    opts.HTTPClient,
			headers: func(h http.Header) {
				if config.IsOAuthToken(key) {
					h.Set("Authorization", "Bearer "+key)
				} else {
					h.Set("X-Goog-Api-Key", key)
				}
			},
			timeout:  opts.RequestTimeout,
			retry:    opts.Retry,
			stats:    opts.Stats,
			observer: opts.Observer,
			logger:   logging.OrNop(opts.Logger).Named("jules"),
		},
	}
}

// Wire types. Only the fields nightwatch reads are declared.

type julesSourceContext struct {
	Source            string `json:"source"`
	GithubRepoContext *struct {
		StartingBranch string `json:"startingBranch,omitempty"`
	} `json:"githubRepoContext,omitempty"`
}

type julesCreateBody struct {
	Prompt              string             `json:"prompt"`
	Title               string             `json:"title,omitempty"`
	SourceContext       julesSourceContext `json:"sourceContext"`
	AutomationMode      string             `json:"automationMode,omitempty"`
	RequirePlanApproval bool               `json:"requirePlanApproval,omitempty"`
}

type julesSession struct {
	Name          string             `json:"name"`
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Prompt        string             `json:"prompt"`
	State         string             `json:"state"`
	URL           string             `json:"url"`
	SourceContext julesSourceContext `json:"sourceContext"`
	CreateTime    time.Time          `json:"createTime"`
	UpdateTime    time.Time          `json:"updateTime"`
	Outputs       []struct {
		PullRequest *struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"pullRequest"`
	} `json:"outputs"`
}

type julesSessionList struct {
	Sessions      []julesSession `json:"sessions"`
	NextPageToken string         `json:"nextPageToken"`
}

type julesActivity struct {
	Name           string    `json:"name"`
	ID             string    `json:"id"`
	Originator     string    `json:"originator"`
	Description    string    `json:"description"`
	CreateTime     time.Time `json:"createTime"`
	PlanGenerated  *struct{} `json:"planGenerated"`
	PlanApproved   *struct{} `json:"planApproved"`
	UserMessaged   *struct{} `json:"userMessaged"`
	AgentMessaged  *struct{} `json:"agentMessaged"`
	SessionFailed  *struct{} `json:"sessionFailed"`
	SessionDone    *struct{} `json:"sessionCompleted"`
	ProgressUpdate *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"progressUpdated"`
	Artifacts []struct {
		ChangeSet *struct {
			Source   string `json:"source"`
			GitPatch *struct {
				UnidiffPatch           string `json:"unidiffPatch"`
				SuggestedCommitMessage string `json:"suggestedCommitMessage"`
			} `json:"gitPatch"`
		} `json:"changeSet"`
	} `json:"artifacts"`
}

type julesActivityList struct {
	Activities    []julesActivity `json:"activities"`
	NextPageToken string          `json:"nextPageToken"`
}

// trimSessionName turns "sessions/123" into "123".
func trimSessionName(name string) string {
	return strings.TrimPrefix(name, "sessions/")
}

func (s julesSession) toModel() *models.Session {
	id := s.ID
	if id == "" {
		id = trimSessionName(s.Name)
	}
	state, ok := models.ParseRemoteState(s.State)
	if !ok {
		state = models.SessionCreated
	}
	out := &models.Session{
		ID:             id,
		State:          state,
		RemoteState:    s.State,
		Source:         s.SourceContext.Source,
		Title:          s.Title,
		Prompt:         s.Prompt,
		URL:            s.URL,
		CreatedAt:      s.CreateTime,
		LastActivityAt: s.UpdateTime,
	}
	if s.SourceContext.GithubRepoContext != nil {
		out.StartingBranch = s.SourceContext.GithubRepoContext.StartingBranch
	}
	for _, o := range s.Outputs {
		if o.PullRequest != nil && o.PullRequest.URL != "" {
			out.PullRequestURL = o.PullRequest.URL
		}
	}
	if out.LastActivityAt.IsZero() {
		out.LastActivityAt = out.CreatedAt
	}
	return out
}

func (a julesActivity) toModel() models.Activity {
	out := models.Activity{
		ID:          a.ID,
		Originator:  a.Originator,
		Description: a.Description,
		CreatedAt:   a.CreateTime,
	}
	if out.ID == "" {
		out.ID = a.Name[strings.LastIndex(a.Name, "/")+1:]
	}
	switch {
	case a.PlanGenerated != nil:
		out.Kind = "plan_generated"
	case a.PlanApproved != nil:
		out.Kind = "plan_approved"
	case a.UserMessaged != nil:
		out.Kind = "user_message"
	case a.AgentMessaged != nil:
		out.Kind = "agent_message"
	case a.SessionFailed != nil:
		out.Kind = "session_failed"
	case a.SessionDone != nil:
		out.Kind = "session_completed"
	case a.ProgressUpdate != nil:
		out.Kind = "progress"
		if out.Description == "" {
			out.Description = a.ProgressUpdate.Title
		}
	}
	for _, art := range a.Artifacts {
		if art.ChangeSet != nil && art.ChangeSet.GitPatch != nil && art.ChangeSet.GitPatch.UnidiffPatch != "" {
			out.Patch = art.ChangeSet.GitPatch.UnidiffPatch
		}
	}
	return out
}

func sessionPath(id string) string {
	return "/sessions/" + url.PathEscape(trimSessionName(id))
}

// CreateSession starts a new remote session.
func (c *JulesClient) CreateSession(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	body := julesCreateBody{
		Prompt:              req.Prompt,
		Title:               req.Title,
		SourceContext:       julesSourceContext{Source: req.Source},
		AutomationMode:      string(req.AutomationMode),
		RequirePlanApproval: req.RequirePlanApproval,
	}
	if req.StartingBranch != "" {
		body.SourceContext.GithubRepoContext = &struct {
			StartingBranch string `json:"startingBranch,omitempty"`
		}{StartingBranch: req.StartingBranch}
	}

	var out julesSession
	if err := c.t.call(ctx, "createSession", http.MethodPost, "/sessions", body, &out, c.createTimeout); err != nil {
		return nil, err
	}
	s := out.toModel()
	if s.ID == "" {
		return nil, &models.RemoteError{Op: "createSession", StatusCode: http.StatusOK, Kind: models.ErrInternalInconsistency, Message: "response carried no session name"}
	}

	// The create response echoes little; keep what the caller asked for.
	s.Prompt = req.Prompt
	s.Title = req.Title
	s.Source = req.Source
	s.StartingBranch = req.StartingBranch
	s.AutomationMode = req.AutomationMode
	s.Origin = req.Origin
	s.BatchID = req.BatchID
	s.RetryOf = req.RetryOf
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
		s.LastActivityAt = s.CreatedAt
	}
	return s, nil
}

// GetSession fetches one session.
func (c *JulesClient) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out julesSession
	if err := c.t.call(ctx, "getSession", http.MethodGet, sessionPath(id), nil, &out, 0); err != nil {
		return nil, err
	}
	return out.toModel(), nil
}

// ListSessions returns up to pageSize sessions, newest first as the API orders them.
func (c *JulesClient) ListSessions(ctx context.Context, pageSize int) ([]models.Session, error) {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", fmt.Sprint(pageSize))
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out julesSessionList
	if err := c.t.call(ctx, "listSessions", http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	sessions := make([]models.Session, 0, len(out.Sessions))
	for _, s := range out.Sessions {
		sessions = append(sessions, *s.toModel())
	}
	return sessions, nil
}

// SendMessage posts a follow-up prompt into a session.
func (c *JulesClient) SendMessage(ctx context.Context, id, prompt string) error {
	body := map[string]string{"prompt": prompt}
	return c.t.call(ctx, "sendMessage", http.MethodPost, sessionPath(id)+":sendMessage", body, nil, 0)
}

// ApprovePlan approves the pending plan of a session.
func (c *JulesClient) ApprovePlan(ctx context.Context, id string) error {
	return c.t.call(ctx, "approvePlan", http.MethodPost, sessionPath(id)+":approvePlan", struct{}{}, nil, 0)
}

// CancelSession asks the remote to stop a session.
func (c *JulesClient) CancelSession(ctx context.Context, id string) error {
	return c.t.call(ctx, "cancelSession", http.MethodPost, sessionPath(id)+":cancel", struct{}{}, nil, 0)
}

// DeleteSession removes a session on the remote.
func (c *JulesClient) DeleteSession(ctx context.Context, id string) error {
	return c.t.call(ctx, "deleteSession", http.MethodDelete, sessionPath(id), nil, nil, 0)
}

// ListActivities returns the session's activity feed, following pagination.
func (c *JulesClient) ListActivities(ctx context.Context, id string) ([]models.Activity, error) {
	var activities []models.Activity
	token := ""
	for page := 0; page < 20; page++ {
		q := url.Values{"pageSize": {"50"}}
		if token != "" {
			q.Set("pageToken", token)
		}
		var out julesActivityList
		if err := c.t.call(ctx, "listActivities", http.MethodGet, sessionPath(id)+"/activities?"+q.Encode(), nil, &out, 0); err != nil {
			return nil, err
		}
		for _, a := range out.Activities {
			activities = append(activities, a.toModel())
		}
		if out.NextPageToken == "" {
			break
		}
		token = out.NextPageToken
	}
	return activities, nil
}

// GetDiff returns the most recent unidiff patch produced by the session.
// It returns ErrNotFound when the session has no change set yet.
func (c *JulesClient) GetDiff(ctx context.Context, id string) (string, error) {
	activities, err := c.ListActivities(ctx, id)
	if err != nil {
		return "", err
	}
	var latest *models.Activity
	for i := range activities {
		a := &activities[i]
		if a.Patch == "" {
			continue
		}
		if latest == nil || !a.CreatedAt.Before(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return "", fmt.Errorf("session %s has no patch: %w", trimSessionName(id), models.ErrNotFound)
	}
	return latest.Patch, nil
}

// RetrySession re-creates a session from the payload of a previous one.
func (c *JulesClient) RetrySession(ctx context.Context, prev *models.Session) (*models.Session, error) {
	req := prev.Request()
	req.Origin = models.OriginRetry
	req.RetryOf = prev.ID
	return c.CreateSession(ctx, req)
}

// Stats returns per-operation call counters, or nil when not configured.
func (c *JulesClient) Stats() *CallStats {
	return c.t.stats
}
