package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// GitHubClient covers the handful of GitHub REST v3 calls nightwatch needs:
// issue lookup for batches and pull request follow-up.
type GitHubClient struct {
	t *transport
}

// GitHubOptions configures a GitHubClient.
type GitHubOptions struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	Stats      *CallStats
	Observer   Observer
	Logger     *zap.Logger
}

// NewGitHubClient creates a client. An empty token sends unauthenticated requests.
func NewGitHubClient(opts GitHubOptions) *GitHubClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	token := strings.TrimSpace(opts.Token)
	return &GitHubClient{t: &transport{
		service: "github",
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		headers: func(h http.Header) {
			h.Set("Accept", "application/vnd.github+json")
			h.Set("X-GitHub-Api-Version", "2022-11-28")
			if token != "" {
				h.Set("Authorization", "token "+token)
			}
		},
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		stats:    opts.Stats,
		observer: opts.Observer,
		logger:   logging.OrNop(opts.Logger).Named("github"),
	}}
}

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.Trim(repo, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository %q must be owner/name: %w", repo, models.ErrValidation)
	}
	return owner, name, nil
}

// RepoFromSource extracts "owner/repo" from a Jules source name
// such as "sources/github/owner/repo".
func RepoFromSource(source string) string {
	return strings.TrimPrefix(source, "sources/github/")
}

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PullRequest *struct{} `json:"pull_request"`
	Labels      []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type ghPull struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"`
	HTMLURL   string `json:"html_url"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// ListIssuesByLabel returns open issues (pull requests excluded) carrying label.
func (c *GitHubClient) ListIssuesByLabel(ctx context.Context, repo, label string) ([]models.Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	q := url.Values{"labels": {label}, "state": {"open"}, "per_page": {"100"}}
	var raw []ghIssue
	if err := c.t.call(ctx, "listIssues", http.MethodGet, repoPath(owner, name)+"/issues?"+q.Encode(), nil, &raw, 0); err != nil {
		return nil, err
	}
	issues := make([]models.Issue, 0, len(raw))
	for _, it := range raw {
		if it.PullRequest != nil {
			continue
		}
		labels := make([]string, 0, len(it.Labels))
		for _, l := range it.Labels {
			labels = append(labels, l.Name)
		}
		issues = append(issues, models.Issue{
			Number: it.Number,
			Title:  it.Title,
			Body:   it.Body,
			Labels: labels,
			URL:    it.HTMLURL,
		})
	}
	return issues, nil
}

// GetPullRequest returns the status of a pull request.
func (c *GitHubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error) {
	var raw ghPull
	path := fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number)
	if err := c.t.call(ctx, "getPullRequest", http.MethodGet, path, nil, &raw, 0); err != nil {
		return nil, err
	}
	return &models.PullRequest{
		Owner:     owner,
		Repo:      repo,
		Number:    raw.Number,
		Title:     raw.Title,
		State:     raw.State,
		Merged:    raw.Merged,
		Mergeable: raw.Mergeable,
		HeadRef:   raw.Head.Ref,
		URL:       raw.HTMLURL,
	}, nil
}

// MergePullRequest squash-merges a pull request.
func (c *GitHubClient) MergePullRequest(ctx context.Context, owner, repo string, number int, commitTitle string) error {
	body := map[string]string{"merge_method": "squash"}
	if commitTitle != "" {
		body["commit_title"] = commitTitle
	}
	path := fmt.Sprintf("%s/pulls/%d/merge", repoPath(owner, repo), number)
	return c.t.call(ctx, "mergePullRequest", http.MethodPut, path, body, nil, 0)
}

// AddComment posts a comment on an issue or pull request.
func (c *GitHubClient) AddComment(ctx context.Context, owner, repo string, number int, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("comment body is empty: %w", models.ErrValidation)
	}
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	return c.t.call(ctx, "addComment", http.MethodPost, path, map[string]string{"body": text}, nil, 0)
}
