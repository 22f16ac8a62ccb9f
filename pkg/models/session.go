package models

import (
	"strings"
	"time"
)

// SessionState represents where a session is in its lifecycle.
type SessionState string

const (
	// SessionCreated indicates the remote agent accepted the session.
	SessionCreated SessionState = "created"
	// SessionPlanning indicates the agent is drafting a plan.
	SessionPlanning SessionState = "planning"
	// SessionAwaitingApproval indicates the plan is waiting for approval.
	SessionAwaitingApproval SessionState = "awaiting_approval"
	// SessionInProgress indicates the agent is executing the plan.
	SessionInProgress SessionState = "in_progress"
	// SessionCompleted indicates the agent finished the work.
	SessionCompleted SessionState = "completed"
	// SessionFailed indicates the agent gave up or errored.
	SessionFailed SessionState = "failed"
	// SessionCancelled indicates the session was cancelled on request.
	SessionCancelled SessionState = "cancelled"
)

// AllSessionStates lists every state in lifecycle order.
var AllSessionStates = []SessionState{
	SessionCreated,
	SessionPlanning,
	SessionAwaitingApproval,
	SessionInProgress,
	SessionCompleted,
	SessionFailed,
	SessionCancelled,
}

// Valid returns true if the state is a known value.
func (s SessionState) Valid() bool {
	switch s {
	case SessionCreated, SessionPlanning, SessionAwaitingApproval,
		SessionInProgress, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true once no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// rank orders non-terminal states. All terminal states share the top rank.
func (s SessionState) rank() int {
	switch s {
	case SessionCreated:
		return 0
	case SessionPlanning:
		return 1
	case SessionAwaitingApproval:
		return 2
	case SessionInProgress:
		return 3
	case SessionCompleted, SessionFailed, SessionCancelled:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions only move forward; terminal states are final.
func (s SessionState) CanTransition(next SessionState) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() || s == next {
		return false
	}
	return next.rank() > s.rank()
}

// ParseRemoteState maps the remote agent's state enum onto a local state.
// The boolean is false for values nightwatch does not recognise.
func ParseRemoteState(remote string) (SessionState, bool) {
	switch strings.ToUpper(strings.TrimSpace(remote)) {
	case "", "STATE_UNSPECIFIED", "QUEUED":
		return SessionCreated, true
	case "PLANNING":
		return SessionPlanning, true
	case "AWAITING_PLAN_APPROVAL", "AWAITING_USER_FEEDBACK":
		return SessionAwaitingApproval, true
	case "IN_PROGRESS", "PAUSED":
		return SessionInProgress, true
	case "COMPLETED":
		return SessionCompleted, true
	case "FAILED":
		return SessionFailed, true
	case "CANCELLED", "CANCELED":
		return SessionCancelled, true
	default:
		return "", false
	}
}

// AutomationMode controls what the agent does when it finishes.
type AutomationMode string

const (
	// AutomationAutoPR lets the agent open a pull request on its own.
	AutomationAutoPR AutomationMode = "AUTO_CREATE_PR"
	// AutomationManual leaves the result for manual review.
	AutomationManual AutomationMode = "AUTOMATION_MODE_UNSPECIFIED"
)

// Origin records which part of the system asked for a session.
type Origin string

const (
	OriginAPI         Origin = "api"
	OriginBatch       Origin = "batch"
	OriginQueue       Origin = "queue"
	OriginEvolution   Origin = "evolution"
	OriginQA          Origin = "qa"
	OriginRemediation Origin = "remediation"
	OriginRetry       Origin = "retry"
)

// CreateRequest is the input for creating a session.
type CreateRequest struct {
	// Prompt is the instruction sent to the agent.
	Prompt string `json:"prompt" yaml:"prompt"`
	// Title is a short human label for the session.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	// Source is the repository reference, e.g. "sources/github/owner/repo".
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// StartingBranch is the branch the agent works from.
	StartingBranch string `json:"starting_branch,omitempty" yaml:"starting_branch,omitempty"`
	// AutomationMode is the pull request policy.
	AutomationMode AutomationMode `json:"automation_mode,omitempty" yaml:"automation_mode,omitempty"`
	// RequirePlanApproval holds the session at AwaitingApproval until approved.
	RequirePlanApproval bool `json:"require_plan_approval,omitempty" yaml:"require_plan_approval,omitempty"`
	// Origin tags where the request came from.
	Origin Origin `json:"origin,omitempty" yaml:"origin,omitempty"`
	// BatchID links the request to a batch, if any.
	BatchID string `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	// RetryOf is the failed session this request replaces.
	RetryOf string `json:"retry_of,omitempty" yaml:"retry_of,omitempty"`
}

// Session is one delegated unit of coding work tracked by nightwatch.
type Session struct {
	ID             string         `json:"id"`
	State          SessionState   `json:"state"`
	RemoteState    string         `json:"remote_state,omitempty"`
	Source         string         `json:"source"`
	Title          string         `json:"title,omitempty"`
	Prompt         string         `json:"prompt"`
	StartingBranch string         `json:"starting_branch,omitempty"`
	AutomationMode AutomationMode `json:"automation_mode,omitempty"`
	Origin         Origin         `json:"origin,omitempty"`
	BatchID        string         `json:"batch_id,omitempty"`
	RetryOf        string         `json:"retry_of,omitempty"`
	PullRequestURL string         `json:"pull_request_url,omitempty"`
	URL            string         `json:"url,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// Request rebuilds the creation input that produced the session.
func (s *Session) Request() CreateRequest {
	return CreateRequest{
		Prompt:         s.Prompt,
		Title:          s.Title,
		Source:         s.Source,
		StartingBranch: s.StartingBranch,
		AutomationMode: s.AutomationMode,
		Origin:         s.Origin,
		BatchID:        s.BatchID,
	}
}

// Stale reports whether the session has been quiet for longer than d.
func (s *Session) Stale(now time.Time, d time.Duration) bool {
	if s.State.Terminal() {
		return false
	}
	return now.Sub(s.LastActivityAt) > d
}

// Activity is one entry in a session's remote activity feed.
type Activity struct {
	ID          string    `json:"id"`
	Originator  string    `json:"originator,omitempty"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Patch       string    `json:"patch,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PullRequest is the status of a pull request opened by a session.
type PullRequest struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable,omitempty"`
	HeadRef   string `json:"head_ref,omitempty"`
	URL       string `json:"url"`
}

// Issue is a source item a batch expands into a session.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url,omitempty"`
}

// Truncate shortens s to at most n runes, adding an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
