package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSchedule(t *testing.T, s Store, id string, status models.ScheduleStatus, scheduledTime time.Time) {
	t.Helper()
	sched := models.Schedule{
		ID:            id,
		MessageID:     "msg_1",
		GroupID:       "grp_1",
		ScheduledTime: scheduledTime,
		Status:        status,
	}
	if err := s.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("failed to seed schedule %s: %v", id, err)
	}
}

func TestSQLiteScheduleRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	when := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, when)

	got, err := s.GetSchedule(ctx, "sch_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.ScheduleStatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
	if !got.ScheduledTime.Equal(when) {
		t.Errorf("scheduled time mismatch: got %v, want %v", got.ScheduledTime, when)
	}

	if _, err := s.GetSchedule(ctx, "sch_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing schedule, got %v", err)
	}
}

func TestSQLiteListSchedulesFilter(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_a", models.ScheduleStatusPending, now.Add(time.Hour))
	seedSchedule(t, s, "sch_b", models.ScheduleStatusCancelled, now.Add(2*time.Hour))
	seedSchedule(t, s, "sch_c", models.ScheduleStatusPending, now.Add(3*time.Hour))

	all, err := s.ListSchedules(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 schedules, got %d", len(all))
	}

	pending, err := s.ListSchedules(ctx, models.ScheduleStatusPending, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending schedules, got %d", len(pending))
	}

	paged, err := s.ListSchedules(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paged) != 1 {
		t.Errorf("expected 1 schedule with limit 1, got %d", len(paged))
	}
}

func TestSQLiteDueSchedules(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_due", models.ScheduleStatusPending, now.Add(-time.Minute))
	seedSchedule(t, s, "sch_future", models.ScheduleStatusPending, now.Add(time.Hour))
	seedSchedule(t, s, "sch_done", models.ScheduleStatusSent, now.Add(-time.Minute))

	due, err := s.DueSchedules(ctx, now, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "sch_due" {
		t.Errorf("expected only sch_due, got %+v", due)
	}

	// With a lookahead covering the future schedule, both pending rows
	// should qualify.
	due, err = s.DueSchedules(ctx, now, 2*time.Hour, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("expected 2 due schedules with lookahead, got %d", len(due))
	}
}

func TestSQLiteClaimPendingExactlyOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)

	claimed, err := s.ClaimPending(ctx, "sch_1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	claimed, err = s.ClaimPending(ctx, "sch_1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("second claim should lose without error")
	}

	got, _ := s.GetSchedule(ctx, "sch_1")
	if got.Status != models.ScheduleStatusProcessing {
		t.Errorf("expected processing after claim, got %s", got.Status)
	}
	if got.ProcessingStartedAt == nil {
		t.Error("expected processing_started_at to be set")
	}
}

func TestSQLiteClaimPendingRejectsCancelled(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)
	if err := s.CancelSchedule(ctx, "sch_1", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := s.ClaimPending(ctx, "sch_1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("cancelled schedule must not be claimable")
	}
}

func TestSQLiteClaimForSendNow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_failed", models.ScheduleStatusFailed, now)
	claimed, err := s.ClaimForSendNow(ctx, "sch_failed", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Error("send-now should claim a failed schedule")
	}

	seedSchedule(t, s, "sch_sent", models.ScheduleStatusSent, now)
	claimed, err = s.ClaimForSendNow(ctx, "sch_sent", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("send-now must not claim a sent schedule")
	}
}

func TestSQLiteReclaimStuck(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)
	staleStart := now.Add(-time.Hour)
	if ok, _ := s.ClaimPending(ctx, "sch_1", staleStart); !ok {
		t.Fatal("setup claim failed")
	}

	cutoff := now.Add(-10 * time.Minute)
	reclaimed, err := s.ReclaimStuck(ctx, "sch_1", cutoff, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reclaimed {
		t.Fatal("stale processing schedule should be reclaimable")
	}

	// The first reclaim advanced processing_started_at, so a second reclaim
	// against the same cutoff must lose.
	reclaimed, err = s.ReclaimStuck(ctx, "sch_1", cutoff, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reclaimed {
		t.Error("second reclaim with the same cutoff should lose")
	}
}

func TestSQLiteMarkDispatchedDedupes(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)

	marked, err := s.MarkDispatched(ctx, "sch_1", "task_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !marked {
		t.Fatal("first mark should succeed")
	}

	marked, err = s.MarkDispatched(ctx, "sch_1", "task_b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marked {
		t.Error("second mark must be rejected while a task is recorded")
	}

	got, _ := s.GetSchedule(ctx, "sch_1")
	if got.DispatchTaskID != "task_a" {
		t.Errorf("expected recorded task_a, got %q", got.DispatchTaskID)
	}

	// RecordDispatchTask has no pending guard: send-now and resume runs
	// overwrite the recorded task for traceability.
	if err := s.RecordDispatchTask(ctx, "sch_1", "task_c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.GetSchedule(ctx, "sch_1")
	if got.DispatchTaskID != "task_c" {
		t.Errorf("expected overwritten task_c, got %q", got.DispatchTaskID)
	}
	if err := s.RecordDispatchTask(ctx, "sch_missing", "task_d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteFinishScheduleGuards(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)

	// Finishing an unclaimed schedule conflicts.
	if err := s.FinishSchedule(ctx, "sch_1", models.ScheduleStatusSent, &now, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict finishing unclaimed schedule, got %v", err)
	}

	if ok, _ := s.ClaimPending(ctx, "sch_1", now); !ok {
		t.Fatal("setup claim failed")
	}

	// Cancelled is not a legal final status for a processing run.
	if err := s.FinishSchedule(ctx, "sch_1", models.ScheduleStatusCancelled, nil, ""); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}

	if err := s.FinishSchedule(ctx, "sch_1", models.ScheduleStatusPartiallySent, &now, "failed to send to X (1): boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.GetSchedule(ctx, "sch_1")
	if got.Status != models.ScheduleStatusPartiallySent {
		t.Errorf("expected partially_sent, got %s", got.Status)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at to be set")
	}
	if got.ErrorSummary == "" {
		t.Error("expected error summary to be recorded")
	}
}

func TestSQLiteCancelSemantics(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusPending, now)
	if err := s.CancelSchedule(ctx, "sch_1", now); err != nil {
		t.Fatalf("cancel of pending schedule failed: %v", err)
	}
	got, _ := s.GetSchedule(ctx, "sch_1")
	if got.Status != models.ScheduleStatusCancelled || got.CancelledAt == nil {
		t.Errorf("expected cancelled with timestamp, got %+v", got)
	}

	// Already cancelled: conflict, not idempotent success.
	if err := s.CancelSchedule(ctx, "sch_1", now); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict cancelling twice, got %v", err)
	}

	seedSchedule(t, s, "sch_2", models.ScheduleStatusPending, now)
	if ok, _ := s.ClaimPending(ctx, "sch_2", now); !ok {
		t.Fatal("setup claim failed")
	}
	if err := s.CancelSchedule(ctx, "sch_2", now); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict cancelling processing schedule, got %v", err)
	}

	if err := s.CancelSchedule(ctx, "sch_missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteArchiveSemantics(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusFailed, now)
	if err := s.ArchiveSchedule(ctx, "sch_1", now); err != nil {
		t.Fatalf("archive of failed schedule failed: %v", err)
	}
	got, _ := s.GetSchedule(ctx, "sch_1")
	if got.Status != models.ScheduleStatusArchived || got.ArchivedAt == nil {
		t.Errorf("expected archived with timestamp, got %+v", got)
	}

	// Idempotent on an already archived schedule.
	if err := s.ArchiveSchedule(ctx, "sch_1", now); err != nil {
		t.Errorf("expected idempotent archive, got %v", err)
	}

	seedSchedule(t, s, "sch_2", models.ScheduleStatusPending, now)
	if err := s.ArchiveSchedule(ctx, "sch_2", now); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict archiving pending schedule, got %v", err)
	}
}

func TestSQLiteDeleteSemantics(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusCancelled, now)
	if _, err := s.EnsureAttempt(ctx, "sch_1", models.Recipient{ID: "r1", Name: "R", Phone: "123456"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteSchedule(ctx, "sch_1"); err != nil {
		t.Fatalf("delete of cancelled schedule failed: %v", err)
	}
	if _, err := s.GetSchedule(ctx, "sch_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected schedule gone, got %v", err)
	}
	attempts, err := s.ListAttempts(ctx, "sch_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("expected attempts deleted with schedule, got %d", len(attempts))
	}

	seedSchedule(t, s, "sch_2", models.ScheduleStatusSent, now)
	if err := s.DeleteSchedule(ctx, "sch_2"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict deleting sent schedule, got %v", err)
	}
}

func TestSQLiteEnsureAttemptIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusProcessing, now)
	r := models.Recipient{ID: "r1", Name: "Alice", Phone: "111111"}

	first, err := s.EnsureAttempt(ctx, "sch_1", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != models.AttemptStatusPending || first.AttemptCount != 0 {
		t.Errorf("fresh attempt should be pending with zero count, got %+v", first)
	}

	if err := s.MarkAttemptSent(ctx, "sch_1", "r1", 2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A resumed dispatch must see the prior outcome, not a reset row.
	again, err := s.EnsureAttempt(ctx, "sch_1", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Status != models.AttemptStatusSent {
		t.Errorf("expected existing sent attempt, got %s", again.Status)
	}
	if again.AttemptCount != 2 {
		t.Errorf("expected attempt count preserved, got %d", again.AttemptCount)
	}
}

func TestSQLiteCountAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSchedule(t, s, "sch_1", models.ScheduleStatusProcessing, now)
	for _, r := range []models.Recipient{
		{ID: "r1", Name: "A", Phone: "111111"},
		{ID: "r2", Name: "B", Phone: "222222"},
		{ID: "r3", Name: "C", Phone: "333333"},
	} {
		if _, err := s.EnsureAttempt(ctx, "sch_1", r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.MarkAttemptSent(ctx, "sch_1", "r1", 1, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MarkAttemptFailed(ctx, "sch_1", "r2", 3, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := s.CountAttempts(ctx, "sch_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Total != 3 || counts.Sent != 1 || counts.Failed != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestSQLiteGroupData(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.CreateMessage(ctx, models.Message{ID: "msg_1", Title: "hello", Body: "hi there"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateGroup(ctx, models.RecipientGroup{ID: "grp_1", Name: "friends"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range []models.Recipient{
		{ID: "r1", Name: "A", Phone: "111111"},
		{ID: "r2", Name: "B", Phone: "222222"},
	} {
		if err := s.CreateRecipient(ctx, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.AddGroupMember(ctx, "grp_1", r.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	msg, err := s.GetMessage(ctx, "msg_1")
	if err != nil || msg.Body != "hi there" {
		t.Errorf("message round trip failed: %v %+v", err, msg)
	}
	// grp_1 has no description, stored as NULL.
	group, err := s.GetGroup(ctx, "grp_1")
	if err != nil {
		t.Fatalf("group round trip failed: %v", err)
	}
	if group.Name != "friends" || group.Description != "" {
		t.Errorf("unexpected group: %+v", group)
	}
	if err := s.CreateGroup(ctx, models.RecipientGroup{ID: "grp_2", Name: "work", Description: "colleagues"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if group, err = s.GetGroup(ctx, "grp_2"); err != nil || group.Description != "colleagues" {
		t.Errorf("group description round trip failed: %v %+v", err, group)
	}
	if _, err := s.GetGroup(ctx, "grp_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing group, got %v", err)
	}
	recipients, err := s.GroupRecipients(ctx, "grp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients) != 2 {
		t.Errorf("expected 2 recipients, got %d", len(recipients))
	}
}
