package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSessionState_Valid(t *testing.T) {
	for _, s := range AllSessionStates {
		if !s.Valid() {
			t.Errorf("SessionState(%q).Valid() = false, want true", s)
		}
	}
	for _, s := range []SessionState{"", "running", "COMPLETED", MemberUnknown} {
		if s.Valid() {
			t.Errorf("SessionState(%q).Valid() = true, want false", s)
		}
	}
}

func TestSessionState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{SessionCreated, SessionPlanning, true},
		{SessionCreated, SessionInProgress, true},
		{SessionPlanning, SessionAwaitingApproval, true},
		{SessionAwaitingApproval, SessionInProgress, true},
		{SessionInProgress, SessionCompleted, true},
		{SessionInProgress, SessionFailed, true},
		{SessionPlanning, SessionCancelled, true},
		{SessionInProgress, SessionInProgress, false},
		{SessionInProgress, SessionPlanning, false},
		{SessionAwaitingApproval, SessionCreated, false},
		{SessionCompleted, SessionInProgress, false},
		{SessionFailed, SessionCreated, false},
		{SessionCancelled, SessionCompleted, false},
		{SessionCompleted, SessionFailed, false},
		{SessionCreated, SessionState("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRemoteState(t *testing.T) {
	tests := []struct {
		remote string
		want   SessionState
		ok     bool
	}{
		{"QUEUED", SessionCreated, true},
		{"PLANNING", SessionPlanning, true},
		{"AWAITING_PLAN_APPROVAL", SessionAwaitingApproval, true},
		{"AWAITING_USER_FEEDBACK", SessionAwaitingApproval, true},
		{"IN_PROGRESS", SessionInProgress, true},
		{"paused", SessionInProgress, true},
		{"COMPLETED", SessionCompleted, true},
		{"FAILED", SessionFailed, true},
		{"CANCELLED", SessionCancelled, true},
		{"EXPLODED", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			got, ok := ParseRemoteState(tt.remote)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseRemoteState(%q) = %q, %v; want %q, %v", tt.remote, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSession_Stale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{State: SessionInProgress, LastActivityAt: now.Add(-2 * time.Hour)}

	if !s.Stale(now, time.Hour) {
		t.Error("expected in-progress session idle for 2h to be stale")
	}
	s.State = SessionCompleted
	if s.Stale(now, time.Hour) {
		t.Error("terminal sessions are never stale")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("a long sentence", 8); got != "a lon..." {
		t.Errorf("Truncate() = %q, want %q", got, "a lon...")
	}
}

func TestRemoteError_Is(t *testing.T) {
	err := fmt.Errorf("create: %w", &RemoteError{Op: "createSession", StatusCode: 503, Kind: ErrRemoteUnavailable, Message: "down"})

	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Error("expected wrapped RemoteError to match ErrRemoteUnavailable")
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.StatusCode != 503 {
		t.Errorf("errors.As failed: %v", re)
	}
	if Code(err) != "remote_unavailable" {
		t.Errorf("Code() = %q", Code(err))
	}
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{204, nil},
		{400, ErrValidation},
		{403, ErrValidation},
		{404, ErrNotFound},
		{408, ErrRemoteUnavailable},
		{429, ErrRateLimited},
		{500, ErrRemoteUnavailable},
		{503, ErrRemoteUnavailable},
	}
	for _, tt := range tests {
		if got := KindForStatus(tt.code); got != tt.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("x: %w", ErrRateLimited)) || !IsTransient(ErrCircuitOpen) {
		t.Error("rate limited and circuit open are transient")
	}
	if IsTransient(ErrValidation) || IsTransient(nil) {
		t.Error("validation and nil are not transient")
	}
}
