package models

import (
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to ScheduleStatus }{
		{ScheduleStatusPending, ScheduleStatusProcessing},
		{ScheduleStatusPending, ScheduleStatusCancelled},
		{ScheduleStatusProcessing, ScheduleStatusSent},
		{ScheduleStatusProcessing, ScheduleStatusPartiallySent},
		{ScheduleStatusProcessing, ScheduleStatusFailed},
		{ScheduleStatusProcessing, ScheduleStatusProcessing},
		{ScheduleStatusFailed, ScheduleStatusProcessing},
		{ScheduleStatusSent, ScheduleStatusArchived},
		{ScheduleStatusPartiallySent, ScheduleStatusArchived},
		{ScheduleStatusFailed, ScheduleStatusArchived},
		{ScheduleStatusCancelled, ScheduleStatusArchived},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to ScheduleStatus }{
		{ScheduleStatusPending, ScheduleStatusSent},
		{ScheduleStatusPending, ScheduleStatusArchived},
		{ScheduleStatusProcessing, ScheduleStatusCancelled},
		{ScheduleStatusSent, ScheduleStatusProcessing},
		{ScheduleStatusSent, ScheduleStatusFailed},
		{ScheduleStatusCancelled, ScheduleStatusProcessing},
		{ScheduleStatusArchived, ScheduleStatusPending},
		{ScheduleStatusArchived, ScheduleStatusArchived},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []ScheduleStatus{ScheduleStatusSent, ScheduleStatusPartiallySent, ScheduleStatusFailed, ScheduleStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []ScheduleStatus{ScheduleStatusPending, ScheduleStatusProcessing, ScheduleStatusArchived} {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestIsDeletable(t *testing.T) {
	if !ScheduleStatusCancelled.IsDeletable() || !ScheduleStatusFailed.IsDeletable() {
		t.Error("cancelled and failed schedules should be deletable")
	}
	for _, s := range []ScheduleStatus{ScheduleStatusPending, ScheduleStatusProcessing, ScheduleStatusSent, ScheduleStatusPartiallySent, ScheduleStatusArchived} {
		if s.IsDeletable() {
			t.Errorf("expected %s to not be deletable", s)
		}
	}
}

func attemptsWith(sent, failed int) []DeliveryAttempt {
	var out []DeliveryAttempt
	for i := 0; i < sent; i++ {
		out = append(out, DeliveryAttempt{Status: AttemptStatusSent})
	}
	for i := 0; i < failed; i++ {
		out = append(out, DeliveryAttempt{Status: AttemptStatusFailed})
	}
	return out
}

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		name         string
		sent, failed int
		want         ScheduleStatus
	}{
		{"all sent", 3, 0, ScheduleStatusSent},
		{"all failed", 0, 3, ScheduleStatusFailed},
		{"mixed", 2, 1, ScheduleStatusPartiallySent},
		{"single sent", 1, 0, ScheduleStatusSent},
		{"single failed", 0, 1, ScheduleStatusFailed},
		{"empty", 0, 0, ScheduleStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FinalStatus(attemptsWith(tc.sent, tc.failed))
			if got != tc.want {
				t.Errorf("FinalStatus(%d sent, %d failed) = %s, want %s", tc.sent, tc.failed, got, tc.want)
			}
		})
	}
}

func TestFinalStatusPendingBlocksSent(t *testing.T) {
	cases := []struct {
		name     string
		attempts []DeliveryAttempt
		want     ScheduleStatus
	}{
		{
			"sent with one pending",
			[]DeliveryAttempt{
				{Status: AttemptStatusSent},
				{Status: AttemptStatusSent},
				{Status: AttemptStatusPending},
			},
			ScheduleStatusPartiallySent,
		},
		{
			"all pending",
			[]DeliveryAttempt{{Status: AttemptStatusPending}, {Status: AttemptStatusPending}},
			ScheduleStatusFailed,
		},
		{
			"failed with one pending",
			[]DeliveryAttempt{{Status: AttemptStatusFailed}, {Status: AttemptStatusPending}},
			ScheduleStatusFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FinalStatus(tc.attempts); got != tc.want {
				t.Errorf("FinalStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFinalStatusOrderIndependent(t *testing.T) {
	a := []DeliveryAttempt{
		{Status: AttemptStatusFailed},
		{Status: AttemptStatusSent},
		{Status: AttemptStatusSent},
	}
	b := []DeliveryAttempt{
		{Status: AttemptStatusSent},
		{Status: AttemptStatusSent},
		{Status: AttemptStatusFailed},
	}
	if FinalStatus(a) != FinalStatus(b) {
		t.Error("FinalStatus should not depend on attempt order")
	}
}

func TestBuildErrorSummary(t *testing.T) {
	attempts := []DeliveryAttempt{
		{Name: "Alice", Phone: "111111", Status: AttemptStatusFailed, LastError: "timeout"},
		{Name: "Bob", Phone: "222222", Status: AttemptStatusSent},
		{Name: "Carol", Phone: "333333", Status: AttemptStatusFailed, LastError: "rejected"},
	}
	summary := BuildErrorSummary(attempts)
	want := "failed to send to Alice (111111): timeout; failed to send to Carol (333333): rejected"
	if summary != want {
		t.Errorf("unexpected summary:\n got %q\nwant %q", summary, want)
	}
}

func TestBuildErrorSummaryTruncation(t *testing.T) {
	var attempts []DeliveryAttempt
	for i := 0; i < MaxErrorSummaryEntries+3; i++ {
		attempts = append(attempts, DeliveryAttempt{Name: "R", Phone: "123456", Status: AttemptStatusFailed, LastError: "boom"})
	}
	summary := BuildErrorSummary(attempts)
	if got := strings.Count(summary, "failed to send to"); got != MaxErrorSummaryEntries {
		t.Errorf("expected %d entries in summary, got %d", MaxErrorSummaryEntries, got)
	}
}

func TestBuildErrorSummaryNoFailures(t *testing.T) {
	attempts := []DeliveryAttempt{{Name: "Alice", Phone: "111111", Status: AttemptStatusSent}}
	if got := BuildErrorSummary(attempts); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
}
