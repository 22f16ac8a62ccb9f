package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/metrics"
	"github.com/ShayCichocki/nightwatch/pkg/api"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// runCLI executes the command tree against srv and returns combined output.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(metrics.StatusSnapshot{
			Version:        "v1.0.0",
			ActiveSessions: 3,
			Counters:       metrics.CounterValues{SessionsCreated: 7},
		})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "status", "-o", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, `"active_sessions": 3`) {
		t.Errorf("expected active_sessions in output, got: %s", output)
	}
	if !strings.Contains(output, `"sessions_created": 7`) {
		t.Errorf("expected counters in output, got: %s", output)
	}
}

func TestStatusCommand_Table(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(metrics.StatusSnapshot{
			Version:  "v1.0.0",
			Breakers: map[string]metrics.BreakerStatus{"jules": {State: "open", Trips: 2}},
		})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"v1.0.0", "jules", "trips=2", "awaiting_approval"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_BadFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(metrics.StatusSnapshot{})
	}))
	defer server.Close()

	if _, err := runCLI(t, server, "status", "-o", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestSessionCreateCommand(t *testing.T) {
	var got models.CreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Session{ID: "s-42", State: models.SessionCreated, Title: got.Title})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "session", "create", "fix", "the", "build", "--title", "build", "--no-pr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Prompt != "fix the build" {
		t.Errorf("prompt = %q", got.Prompt)
	}
	if got.AutomationMode != models.AutomationManual {
		t.Errorf("automation mode = %q", got.AutomationMode)
	}
	if !strings.Contains(output, "s-42") {
		t.Errorf("expected session id in output, got: %s", output)
	}
}

func TestSessionList_PassesFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "failed" || r.URL.Query().Get("active") != "" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]models.Session{{ID: "s-1", State: models.SessionFailed, Prompt: "x"}})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "session", "list", "--state", "failed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "s-1") {
		t.Errorf("expected s-1 in output, got: %s", output)
	}
}

func TestAPIErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "session s-1 is completed", Code: "invalid_transition"})
	}))
	defer server.Close()

	_, err := runCLI(t, server, "session", "approve", "s-1")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestBatchCreateFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.yaml")
	yamlItems := "- key: docs\n  prompt: Rewrite the README\n- prompt: Add a changelog\n  source: sources/github/acme/site\n"
	if err := os.WriteFile(path, []byte(yamlItems), 0o644); err != nil {
		t.Fatal(err)
	}

	var got api.CreateBatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.BatchRequest{
			ID: "b-1",
			Items: []models.BatchItem{
				{Key: "docs", SessionID: "s-1"},
				{Key: "item-2", Error: "quota exhausted"},
			},
		})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "batch", "create", "-f", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].Key != "docs" || got.Items[1].Source != "sources/github/acme/site" {
		t.Errorf("unexpected items: %+v", got.Items)
	}
	if !strings.Contains(output, "1/2 sessions started") || !strings.Contains(output, "quota exhausted") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestBatchCreate_RequiresSource(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := runCLI(t, server, "batch", "create"); err == nil {
		t.Fatal("expected error without --label or --file")
	}
}

func TestQueueDrainCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.DrainRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Max != 2 {
			t.Errorf("max = %d", req.Max)
		}
		json.NewEncoder(w).Encode(api.DrainResponse{
			Results: []api.DrainResult{
				{EntryID: "q-1", SessionID: "s-1"},
				{EntryID: "q-2", Deferred: true, Error: "rate limited"},
			},
			Remaining: 4,
		})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "queue", "drain", "--max", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "deferred: rate limited") || !strings.Contains(output, "4 remaining") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestScheduleRun_ReportsRoutineFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/schedule/nightly-qa/run" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.RunRoutineResponse{Routine: "nightly-qa", Error: "quota exhausted"})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "schedule", "run", "nightly-qa")
	if err == nil {
		t.Fatal("expected error for failed routine")
	}
	if !strings.Contains(output, "quota exhausted") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestPRStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prs/acme/app/7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.PullRequest{Owner: "acme", Repo: "app", Number: 7, Title: "Fix login", State: "open"})
	}))
	defer server.Close()

	output, err := runCLI(t, server, "pr", "status", "acme/app", "#7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Fix login") {
		t.Errorf("unexpected output: %s", output)
	}

	if _, err := runCLI(t, server, "pr", "status", "acme", "7"); err == nil {
		t.Error("expected error for repository without owner")
	}
}

func TestSetConfigValue(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nightwatch.db")

	updated, err := setConfigValue(cfg, "limits.max_active_sessions", "4")
	if err != nil {
		t.Fatalf("set int: %v", err)
	}
	if updated.Limits.MaxActiveSessions != 4 {
		t.Errorf("max_active_sessions = %d", updated.Limits.MaxActiveSessions)
	}

	updated, err = setConfigValue(updated, "breaker.cooldown", "90s")
	if err != nil {
		t.Fatalf("set duration: %v", err)
	}
	if updated.Breaker.Cooldown != 90*time.Second {
		t.Errorf("cooldown = %s", updated.Breaker.Cooldown)
	}

	tests := []struct {
		key, value string
	}{
		{"breaker.cooldown", "soon"},
		{"healing.enabled", "maybe"},
		{"scheduler.qa.hour", "24"},
		{"no.such.key", "1"},
	}
	for _, tt := range tests {
		if _, err := setConfigValue(updated, tt.key, tt.value); err == nil {
			t.Errorf("setConfigValue(%s, %s) expected error", tt.key, tt.value)
		}
	}
}

func TestGetConfigValue_MasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Jules.APIKey = "AIzaSyTestKey0123456789abcdef"

	v, err := getConfigValue(cfg, "jules.api_key")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(v, "0123456789") {
		t.Errorf("api key not masked: %s", v)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{3 * time.Hour, "3h"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
