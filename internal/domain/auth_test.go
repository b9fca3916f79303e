package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	valid := []string{"alice", "user-42", "a_b-C", strings.Repeat("x", 64), "__scheduler__"}
	for _, id := range valid {
		if err := ValidateUserID(id); err != nil {
			t.Fatalf("%q should be valid: %v", id, err)
		}
	}

	invalid := []string{"", "a b", "../etc", "юзер", strings.Repeat("x", 65), "a/b", "a.b"}
	for _, id := range invalid {
		if err := ValidateUserID(id); !errors.Is(err, ErrInvalidUserID) {
			t.Fatalf("%q should be rejected, got %v", id, err)
		}
	}
}

func TestAuthStateValid(t *testing.T) {
	for _, state := range []AuthState{AuthDisconnected, AuthAwaitingPhone, AuthAwaitingCode, AuthAwaitingPassword, AuthReady} {
		if !state.Valid() {
			t.Fatalf("%q should be valid", state)
		}
	}
	if AuthState("connecting").Valid() {
		t.Fatalf("unknown state should be invalid")
	}
}

func TestRunOutcomeString(t *testing.T) {
	cases := map[RunOutcome]string{
		RunCompleted:        "completed",
		RunSkippedContended: "skipped",
		RunFailed:           "failed",
		RunOutcome(99):      "unknown",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
