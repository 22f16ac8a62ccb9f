package state

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func testSession(id string, state models.SessionState, created time.Time) *models.Session {
	return &models.Session{
		ID:             id,
		State:          state,
		RemoteState:    "IN_PROGRESS",
		Source:         "sources/github/acme/app",
		Title:          "Fix flaky test",
		Prompt:         "Fix the flaky test in pkg/foo",
		StartingBranch: "main",
		AutomationMode: models.AutomationAutoPR,
		Origin:         models.OriginAPI,
		CreatedAt:      created,
		LastActivityAt: created,
	}
}

func TestSessionCRUD(t *testing.T) {
	db := setupTestDB(t)
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	s := testSession("123", models.SessionInProgress, created)
	if err := db.SaveSession(s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := db.GetSession("123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	// Upsert only updates mutable fields.
	s.State = models.SessionCompleted
	s.PullRequestURL = "https://github.com/acme/app/pull/7"
	s.Prompt = "changed"
	s.LastActivityAt = created.Add(time.Hour)
	if err := db.SaveSession(s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, _ = db.GetSession("123")
	if got.State != models.SessionCompleted || got.PullRequestURL == "" {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Prompt != "Fix the flaky test in pkg/foo" {
		t.Errorf("prompt must be immutable, got %q", got.Prompt)
	}

	if err := db.DeleteSession("123"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err = db.GetSession("123")
	if err != nil || got != nil {
		t.Errorf("GetSession after delete = %v, %v; want nil, nil", got, err)
	}
}

func TestListSessions(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	db.SaveSession(testSession("b", models.SessionPlanning, base.Add(time.Minute)))
	db.SaveSession(testSession("a", models.SessionCompleted, base))
	db.SaveSession(testSession("c", models.SessionPlanning, base.Add(2*time.Minute)))

	all, err := db.ListSessions(nil)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("expected oldest first, got %v", ids(all))
	}

	planning := models.SessionPlanning
	filtered, err := db.ListSessions(&planning)
	if err != nil {
		t.Fatalf("ListSessions filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 planning sessions, got %v", ids(filtered))
	}

	if err := db.ClearSessions(); err != nil {
		t.Fatalf("ClearSessions: %v", err)
	}
	all, _ = db.ListSessions(nil)
	if len(all) != 0 {
		t.Errorf("expected empty after clear, got %d", len(all))
	}
}

func TestPurgeOldSessions(t *testing.T) {
	db := setupTestDB(t)
	old := time.Now().Add(-30 * 24 * time.Hour)

	db.SaveSession(testSession("old-done", models.SessionCompleted, old))
	db.SaveSession(testSession("old-live", models.SessionInProgress, old))
	db.SaveSession(testSession("new-done", models.SessionFailed, time.Now()))

	n, err := db.PurgeOldSessions(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if s, _ := db.GetSession("old-live"); s == nil {
		t.Error("live sessions must never be purged")
	}
}

func TestBatchPersistence(t *testing.T) {
	db := setupTestDB(t)

	b := &models.BatchRequest{
		ID:    "batch-1",
		Label: "bug",
		Repo:  "acme/app",
		Items: []models.BatchItem{
			{Key: "#1", Title: "crash", SessionID: "s1"},
			{Key: "#2", Title: "typo", Error: "validation error"},
			{Key: "#3", Title: "leak", SessionID: "s3", Retries: []string{"s4"}},
		},
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.SaveBatch(b); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	got, err := db.GetBatch("batch-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if diff := cmp.Diff(b, got); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}

	b.Items[1].Retries = []string{"s5"}
	if err := db.SaveBatch(b); err != nil {
		t.Fatalf("SaveBatch update: %v", err)
	}
	all, err := db.ListBatches()
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(all) != 1 || len(all[0].Items) != 3 || all[0].Items[1].Current() != "s5" {
		t.Errorf("unexpected batches: %+v", all)
	}

	missing, err := db.GetBatch("nope")
	if err != nil || missing != nil {
		t.Errorf("GetBatch(missing) = %v, %v", missing, err)
	}
}

func TestQueuePersistence(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	entries := []models.QueueEntry{
		{ID: "q1", Payload: models.CreateRequest{Prompt: "one", Source: "src"}, EnqueuedAt: now},
		{ID: "q2", Payload: models.CreateRequest{Prompt: "two", Origin: models.OriginQueue}, EnqueuedAt: now.Add(time.Second), Attempts: 2, LastError: "rate limited"},
	}
	if err := db.SaveQueue(entries); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	got, err := db.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}

	if err := db.SaveQueue(entries[1:]); err != nil {
		t.Fatalf("SaveQueue shrink: %v", err)
	}
	got, _ = db.LoadQueue()
	if len(got) != 1 || got[0].ID != "q2" {
		t.Errorf("expected only q2, got %+v", got)
	}
}

func TestSchedulePersistence(t *testing.T) {
	db := setupTestDB(t)
	next := time.Date(2026, 2, 2, 2, 0, 0, 0, time.UTC)

	rec := ScheduleRecord{Routine: "nightly-evolution", LastFiredDay: "2026-02-01", NextEligible: next, Runs: 1}
	if err := db.SaveScheduleRecord(rec); err != nil {
		t.Fatalf("SaveScheduleRecord: %v", err)
	}
	rec.Runs = 2
	rec.LastError = "boom"
	if err := db.SaveScheduleRecord(rec); err != nil {
		t.Fatalf("SaveScheduleRecord update: %v", err)
	}

	table, err := db.LoadSchedule()
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	got, ok := table["nightly-evolution"]
	if !ok {
		t.Fatal("routine missing from schedule")
	}
	if got.Runs != 2 || got.LastError != "boom" || !got.NextEligible.Equal(next) || !got.LastRunAt.IsZero() {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestRecoveryManager(t *testing.T) {
	db := setupTestDB(t)
	rm := NewRecoveryManager(db)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return now }

	info, err := rm.CheckForInterrupted(time.Hour)
	if err != nil || info != nil {
		t.Fatalf("empty db: got %v, %v", info, err)
	}

	db.SaveSession(testSession("live", models.SessionInProgress, now.Add(-10*time.Minute)))
	db.SaveSession(testSession("quiet", models.SessionPlanning, now.Add(-3*time.Hour)))
	db.SaveSession(testSession("done", models.SessionCompleted, now.Add(-3*time.Hour)))

	info, err = rm.CheckForInterrupted(time.Hour)
	if err != nil {
		t.Fatalf("CheckForInterrupted: %v", err)
	}
	if len(info.Active) != 2 || len(info.Stale) != 1 || info.Stale[0].ID != "quiet" {
		t.Errorf("unexpected recovery info: active=%v stale=%v", ids(info.Active), ids(info.Stale))
	}
}

func ids(sessions []models.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
