// Package remote holds the HTTP clients for the Jules coding agent and GitHub,
// plus guarded wrappers that route every call through a rate limiter and
// circuit breaker.
package remote

import (
	"context"

	"github.com/ShayCichocki/nightwatch/internal/guard"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Agent is the remote coding-agent surface the registry depends on.
type Agent interface {
	CreateSession(ctx context.Context, req models.CreateRequest) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, pageSize int) ([]models.Session, error)
	SendMessage(ctx context.Context, id, prompt string) error
	ApprovePlan(ctx context.Context, id string) error
	CancelSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	ListActivities(ctx context.Context, id string) ([]models.Activity, error)
	GetDiff(ctx context.Context, id string) (string, error)
}

// IssueSource lists issues for batch expansion.
type IssueSource interface {
	ListIssuesByLabel(ctx context.Context, repo, label string) ([]models.Issue, error)
}

// PullRequests is the pull request follow-up surface.
type PullRequests interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, commitTitle string) error
	AddComment(ctx context.Context, owner, repo string, number int, text string) error
}

var (
	_ Agent        = (*JulesClient)(nil)
	_ IssueSource  = (*GitHubClient)(nil)
	_ PullRequests = (*GitHubClient)(nil)
)

// GuardedAgent runs every Agent call through a guard. Mutations use the
// write bucket, lookups the read bucket.
type GuardedAgent struct {
	next  Agent
	guard *guard.Guard
}

// NewGuardedAgent wraps next with g.
func NewGuardedAgent(next Agent, g *guard.Guard) *GuardedAgent {
	return &GuardedAgent{next: next, guard: g}
}

// Guard returns the wrapped guard.
func (a *GuardedAgent) Guard() *guard.Guard { return a.guard }

func (a *GuardedAgent) CreateSession(ctx context.Context, req models.CreateRequest) (*models.Session, error) {
	return guard.Call(ctx, a.guard, guard.ClassWrite, func(ctx context.Context) (*models.Session, error) {
		return a.next.CreateSession(ctx, req)
	})
}

func (a *GuardedAgent) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return guard.Call(ctx, a.guard, guard.ClassRead, func(ctx context.Context) (*models.Session, error) {
		return a.next.GetSession(ctx, id)
	})
}

func (a *GuardedAgent) ListSessions(ctx context.Context, pageSize int) ([]models.Session, error) {
	return guard.Call(ctx, a.guard, guard.ClassRead, func(ctx context.Context) ([]models.Session, error) {
		return a.next.ListSessions(ctx, pageSize)
	})
}

func (a *GuardedAgent) SendMessage(ctx context.Context, id, prompt string) error {
	return a.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return a.next.SendMessage(ctx, id, prompt)
	})
}

func (a *GuardedAgent) ApprovePlan(ctx context.Context, id string) error {
	return a.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return a.next.ApprovePlan(ctx, id)
	})
}

func (a *GuardedAgent) CancelSession(ctx context.Context, id string) error {
	return a.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return a.next.CancelSession(ctx, id)
	})
}

func (a *GuardedAgent) DeleteSession(ctx context.Context, id string) error {
	return a.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return a.next.DeleteSession(ctx, id)
	})
}

func (a *GuardedAgent) ListActivities(ctx context.Context, id string) ([]models.Activity, error) {
	return guard.Call(ctx, a.guard, guard.ClassRead, func(ctx context.Context) ([]models.Activity, error) {
		return a.next.ListActivities(ctx, id)
	})
}

func (a *GuardedAgent) GetDiff(ctx context.Context, id string) (string, error) {
	return guard.Call(ctx, a.guard, guard.ClassRead, func(ctx context.Context) (string, error) {
		return a.next.GetDiff(ctx, id)
	})
}

// GuardedGitHub runs GitHub calls through their own guard.
type GuardedGitHub struct {
	next  *GitHubClient
	guard *guard.Guard
}

// NewGuardedGitHub wraps c with g.
func NewGuardedGitHub(c *GitHubClient, g *guard.Guard) *GuardedGitHub {
	return &GuardedGitHub{next: c, guard: g}
}

// Guard returns the wrapped guard.
func (g *GuardedGitHub) Guard() *guard.Guard { return g.guard }

func (g *GuardedGitHub) ListIssuesByLabel(ctx context.Context, repo, label string) ([]models.Issue, error) {
	return guard.Call(ctx, g.guard, guard.ClassRead, func(ctx context.Context) ([]models.Issue, error) {
		return g.next.ListIssuesByLabel(ctx, repo, label)
	})
}

func (g *GuardedGitHub) GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error) {
	return guard.Call(ctx, g.guard, guard.ClassRead, func(ctx context.Context) (*models.PullRequest, error) {
		return g.next.GetPullRequest(ctx, owner, repo, number)
	})
}

func (g *GuardedGitHub) MergePullRequest(ctx context.Context, owner, repo string, number int, commitTitle string) error {
	return g.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return g.next.MergePullRequest(ctx, owner, repo, number, commitTitle)
	})
}

func (g *GuardedGitHub) AddComment(ctx context.Context, owner, repo string, number int, text string) error {
	return g.guard.Do(ctx, guard.ClassWrite, func(ctx context.Context) error {
		return g.next.AddComment(ctx, owner, repo, number, text)
	})
}

var (
	_ Agent        = (*GuardedAgent)(nil)
	_ IssueSource  = (*GuardedGitHub)(nil)
	_ PullRequests = (*GuardedGitHub)(nil)
)
