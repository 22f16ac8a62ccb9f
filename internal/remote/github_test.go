package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func newTestGitHub(t *testing.T, h http.HandlerFunc) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGitHubClient(GitHubOptions{Token: "ghp_test", BaseURL: srv.URL})
}

func TestListIssuesByLabel_SkipsPullRequests(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/app/issues", r.URL.Path)
		assert.Equal(t, "bug", r.URL.Query().Get("labels"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "token ghp_test", r.Header.Get("Authorization"))
		w.Write([]byte(`[
			{"number":1,"title":"crash","labels":[{"name":"bug"}]},
			{"number":2,"title":"a pr","pull_request":{}},
			{"number":3,"title":"leak","body":"details"}
		]`))
	})

	issues, err := c.ListIssuesByLabel(context.Background(), "acme/app", "bug")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, []string{"bug"}, issues[0].Labels)
	assert.Equal(t, "details", issues[1].Body)
}

func TestListIssuesByLabel_BadRepo(t *testing.T) {
	c := NewGitHubClient(GitHubOptions{})
	_, err := c.ListIssuesByLabel(context.Background(), "acme", "bug")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestPullRequestOperations(t *testing.T) {
	var merged map[string]string
	var comment map[string]string
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /repos/acme/app/pulls/7":
			w.Write([]byte(`{"number":7,"title":"fix","state":"open","mergeable":true,"head":{"ref":"jules/fix"},"html_url":"https://github.com/acme/app/pull/7"}`))
		case "PUT /repos/acme/app/pulls/7/merge":
			json.NewDecoder(r.Body).Decode(&merged)
			w.Write([]byte(`{"merged":true}`))
		case "POST /repos/acme/app/issues/7/comments":
			json.NewDecoder(r.Body).Decode(&comment)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		}
	})
	ctx := context.Background()

	pr, err := c.GetPullRequest(ctx, "acme", "app", 7)
	require.NoError(t, err)
	assert.Equal(t, "jules/fix", pr.HeadRef)
	require.NotNil(t, pr.Mergeable)
	assert.True(t, *pr.Mergeable)

	require.NoError(t, c.MergePullRequest(ctx, "acme", "app", 7, "fix: things"))
	assert.Equal(t, "squash", merged["merge_method"])

	require.NoError(t, c.AddComment(ctx, "acme", "app", 7, "looks good"))
	assert.Equal(t, "looks good", comment["body"])

	_, err = c.GetPullRequest(ctx, "acme", "app", 8)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorContains(t, err, "Not Found")
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := SplitRepo("acme/app")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "app", name)

	for _, bad := range []string{"", "acme", "/app", "a/b/c"} {
		_, _, err := SplitRepo(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
	assert.Equal(t, "acme/app", RepoFromSource("sources/github/acme/app"))
}
