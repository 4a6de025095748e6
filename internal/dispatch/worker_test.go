package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/delivery"
	"github.com/beborico1/whatsapp-scheduler/internal/messaging"
	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
)

// flakyService fails sends to the phones listed in fail, permanently.
type flakyService struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []string
}

func (f *flakyService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (f *flakyService) SendMessage(ctx context.Context, to string, body string) error {
	if f.fail[to] {
		return messaging.NewPermanentError("rejected", nil)
	}
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	return nil
}

func (f *flakyService) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	st     *store.InMemoryStore
	svc    *flakyService
	worker *Worker
}

func newFixture(t *testing.T, failPhones ...string) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := &flakyService{fail: map[string]bool{}}
	for _, p := range failPhones {
		svc.fail[p] = true
	}
	client := delivery.NewClient(svc, rate.NewLimiter(rate.Inf, 0),
		delivery.WithMaxAttempts(1), delivery.WithBackoffBase(time.Millisecond))
	return &fixture{st: st, svc: svc, worker: NewWorker(st, client, WithFanOut(2))}
}

// seed creates a message, a group with the given phones, and a schedule.
func (f *fixture) seed(t *testing.T, status models.ScheduleStatus, phones ...string) string {
	t.Helper()
	ctx := context.Background()
	if err := f.st.CreateMessage(ctx, models.Message{ID: "msg_1", Title: "t", Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.CreateGroup(ctx, models.RecipientGroup{ID: "grp_1", Name: "g"}); err != nil {
		t.Fatal(err)
	}
	for i, phone := range phones {
		r := models.Recipient{ID: "r" + string(rune('1'+i)), Name: "R", Phone: phone}
		if err := f.st.CreateRecipient(ctx, r); err != nil {
			t.Fatal(err)
		}
		if err := f.st.AddGroupMember(ctx, "grp_1", r.ID); err != nil {
			t.Fatal(err)
		}
	}
	sched := models.Schedule{
		ID:            "sch_1",
		MessageID:     "msg_1",
		GroupID:       "grp_1",
		ScheduledTime: time.Now().UTC().Add(-time.Minute),
		Status:        status,
	}
	if err := f.st.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}
	return sched.ID
}

func dispatchTask(id string) broker.Task {
	return broker.Task{ID: "task_1", ScheduleID: id, Kind: broker.TaskDispatch}
}

func TestProcessAllSent(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111", "222222", "333333")

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("expected sent, got %s", got.Status)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at set")
	}
	if got.ErrorSummary != "" {
		t.Errorf("expected empty error summary, got %q", got.ErrorSummary)
	}
	if f.svc.sentCount() != 3 {
		t.Errorf("expected 3 sends, got %d", f.svc.sentCount())
	}
}

func TestProcessAllFailed(t *testing.T) {
	f := newFixture(t, "111111", "222222")
	id := f.seed(t, models.ScheduleStatusPending, "111111", "222222")

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.SentAt != nil {
		t.Error("failed schedule must not carry sent_at")
	}
	if got.ErrorSummary == "" {
		t.Error("expected error summary for failed schedule")
	}
}

func TestProcessPartiallySent(t *testing.T) {
	f := newFixture(t, "222222")
	id := f.seed(t, models.ScheduleStatusPending, "111111", "222222", "333333")

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusPartiallySent {
		t.Errorf("expected partially_sent, got %s", got.Status)
	}
	if got.SentAt == nil {
		t.Error("partially sent schedule should carry sent_at")
	}
	if !strings.Contains(got.ErrorSummary, "222222") {
		t.Errorf("error summary should name the failed recipient, got %q", got.ErrorSummary)
	}

	counts, _ := f.st.CountAttempts(context.Background(), id)
	if counts.Total != 3 || counts.Sent != 2 || counts.Failed != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestProcessEmptyGroup(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending)

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorSummary, "no recipients in group") {
		t.Errorf("expected empty-group error summary, got %q", got.ErrorSummary)
	}
}

func TestProcessAbstainsWhenClaimLost(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111")

	// Another worker already claimed the schedule.
	if ok, _ := f.st.ClaimPending(context.Background(), id, time.Now().UTC()); !ok {
		t.Fatal("setup claim failed")
	}

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("losing a claim must not be an error: %v", err)
	}
	if f.svc.sentCount() != 0 {
		t.Errorf("losing worker must not send, got %d sends", f.svc.sentCount())
	}
}

func TestProcessStaleTaskForCancelledSchedule(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111")
	if err := f.st.CancelSchedule(context.Background(), id, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Process(context.Background(), dispatchTask(id)); err != nil {
		t.Fatalf("stale task must be dropped silently: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusCancelled {
		t.Errorf("cancelled schedule must stay cancelled, got %s", got.Status)
	}
	if f.svc.sentCount() != 0 {
		t.Error("no sends expected for a cancelled schedule")
	}
}

func TestProcessSendNowClaimsFailed(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusFailed, "111111")

	task := broker.Task{ID: "task_sn", ScheduleID: id, Kind: broker.TaskSendNow}
	if err := f.worker.Process(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("expected sent after send-now retry, got %s", got.Status)
	}
}

func TestProcessResumeSkipsDeliveredRecipients(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111", "222222")
	ctx := context.Background()

	// Simulate a crashed run: claimed long ago, first recipient already sent.
	staleStart := time.Now().UTC().Add(-time.Hour)
	if ok, _ := f.st.ClaimPending(ctx, id, staleStart); !ok {
		t.Fatal("setup claim failed")
	}
	r1 := models.Recipient{ID: "r1", Name: "R", Phone: "111111"}
	if _, err := f.st.EnsureAttempt(ctx, id, r1); err != nil {
		t.Fatal(err)
	}
	if err := f.st.MarkAttemptSent(ctx, id, "r1", 1, staleStart); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	task := broker.Task{ID: "task_rs", ScheduleID: id, Kind: broker.TaskResume, StuckBefore: &cutoff}
	if err := f.worker.Process(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the second recipient should have been sent to on resume.
	if len(f.svc.sent) != 1 || f.svc.sent[0] != "222222" {
		t.Errorf("resume must skip already delivered recipients, sent: %v", f.svc.sent)
	}

	got, _ := f.st.GetSchedule(ctx, id)
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("expected sent after resume, got %s", got.Status)
	}
}

func TestProcessInterruptedByShutdownStaysRecoverable(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111", "222222")

	// A dispatch caught by graceful shutdown must not burn attempts or
	// finalize the schedule; the reaper resumes it later.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.worker.Process(ctx, dispatchTask(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.svc.sentCount() != 0 {
		t.Errorf("expected no sends under cancelled context, got %d", f.svc.sentCount())
	}

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusProcessing {
		t.Fatalf("expected schedule left in processing, got %s", got.Status)
	}
	if got.ErrorSummary != "" {
		t.Errorf("expected empty error summary, got %q", got.ErrorSummary)
	}
	attempts, _ := f.st.ListAttempts(context.Background(), id)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Status != models.AttemptStatusPending || a.AttemptCount != 0 {
			t.Errorf("attempt %s should be untouched, got status=%s count=%d", a.RecipientID, a.Status, a.AttemptCount)
		}
	}

	// The reaper's resume task picks the schedule back up and delivers.
	cutoff := time.Now().UTC().Add(time.Minute)
	task := broker.Task{ID: "task_rs", ScheduleID: id, Kind: broker.TaskResume, StuckBefore: &cutoff}
	if err := f.worker.Process(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("expected sent after resume, got %s", got.Status)
	}
	if f.svc.sentCount() != 2 {
		t.Errorf("expected both recipients delivered on resume, got %d", f.svc.sentCount())
	}
}

func TestProcessResumeRequiresCutoff(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111")

	task := broker.Task{ID: "task_rs", ScheduleID: id, Kind: broker.TaskResume}
	if err := f.worker.Process(context.Background(), task); err == nil {
		t.Error("resume task without a cutoff must be rejected")
	}
}

func TestPoolProcessesTasks(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, models.ScheduleStatusPending, "111111")

	bk := broker.NewMemoryBroker(4)
	pool := NewPool(bk, f.worker, 2)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	if err := bk.Enqueue(ctx, dispatchTask(id)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.st.GetSchedule(context.Background(), id)
		if got.Status == models.ScheduleStatusSent {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	pool.Wait()

	got, _ := f.st.GetSchedule(context.Background(), id)
	if got.Status != models.ScheduleStatusSent {
		t.Errorf("expected pool to dispatch the schedule, got %s", got.Status)
	}
}
