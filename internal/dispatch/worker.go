// Package dispatch consumes broker tasks and delivers claimed schedules.
//
// A worker claims a schedule through a conditional store update, resolves the
// message body and the group membership at dispatch time, fans out to each
// recipient under a concurrency cap, persists every per-recipient outcome as
// it happens, and finally aggregates the persisted attempts into the
// schedule's terminal status. Because attempts are persisted immediately, a
// crashed run can be resumed without resending to recipients that already
// succeeded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/delivery"
	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
)

// Defaults for the dispatch worker.
const (
	// DefaultFanOut caps concurrent recipient sends within one schedule.
	DefaultFanOut = 5
	// DefaultWorkers is the number of task-consuming goroutines per process.
	DefaultWorkers = 4
)

// Opts holds configuration options for a worker.
type Opts struct {
	FanOut int
}

// Option defines a configuration option for a worker.
type Option func(*Opts)

// WithFanOut sets the per-schedule concurrent send cap.
func WithFanOut(n int) Option {
	return func(o *Opts) { o.FanOut = n }
}

// Worker processes one dispatch task at a time.
type Worker struct {
	st     store.Store
	client *delivery.Client
	fanOut int
}

// NewWorker creates a worker around a store and a delivery client.
func NewWorker(st store.Store, client *delivery.Client, opts ...Option) *Worker {
	cfg := Opts{FanOut: DefaultFanOut}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	return &Worker{st: st, client: client, fanOut: cfg.FanOut}
}

// Process claims and dispatches the schedule named by the task. A failed
// claim is not an error: it means another worker won, the schedule was
// cancelled, or a stale task outlived its schedule, and the task is simply
// dropped.
func (w *Worker) Process(ctx context.Context, task broker.Task) error {
	now := time.Now().UTC()

	var claimed bool
	var err error
	switch task.Kind {
	case broker.TaskDispatch:
		claimed, err = w.st.ClaimPending(ctx, task.ScheduleID, now)
	case broker.TaskSendNow:
		claimed, err = w.st.ClaimForSendNow(ctx, task.ScheduleID, now)
	case broker.TaskResume:
		if task.StuckBefore == nil {
			return fmt.Errorf("Worker.Process: resume task %s missing cutoff", task.ID)
		}
		claimed, err = w.st.ReclaimStuck(ctx, task.ScheduleID, *task.StuckBefore, now)
	default:
		return fmt.Errorf("Worker.Process: unknown task kind %q", task.Kind)
	}
	if err != nil {
		return fmt.Errorf("Worker.Process: claim failed for schedule %s: %w", task.ScheduleID, err)
	}
	if !claimed {
		slog.Debug("Worker.Process: claim lost, dropping task", "task_id", task.ID, "kind", task.Kind, "schedule_id", task.ScheduleID)
		return nil
	}

	slog.Info("Worker.Process: schedule claimed", "task_id", task.ID, "kind", task.Kind, "schedule_id", task.ScheduleID)
	return w.dispatch(ctx, task.ScheduleID)
}

// dispatch runs the fan-out for a schedule the caller has already claimed.
func (w *Worker) dispatch(ctx context.Context, scheduleID string) error {
	sched, err := w.st.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("Worker.dispatch: load schedule %s: %w", scheduleID, err)
	}

	msg, err := w.st.GetMessage(ctx, sched.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.finish(ctx, scheduleID, models.ScheduleStatusFailed, nil, "message not found")
		}
		return fmt.Errorf("Worker.dispatch: load message for schedule %s: %w", scheduleID, err)
	}

	// Membership is resolved now, not at schedule creation, so recipients
	// added to the group since then are included.
	recipients, err := w.st.GroupRecipients(ctx, sched.GroupID)
	if err != nil {
		return fmt.Errorf("Worker.dispatch: load recipients for schedule %s: %w", scheduleID, err)
	}
	if len(recipients) == 0 {
		slog.Warn("Worker.dispatch: empty group", "schedule_id", scheduleID, "group_id", sched.GroupID)
		return w.finish(ctx, scheduleID, models.ScheduleStatusFailed, nil, models.ErrEmptyGroup.Error())
	}

	// Materialize one attempt row per recipient before sending anything, so
	// progress is visible and resumable from the first send onward.
	pending := make([]models.DeliveryAttempt, 0, len(recipients))
	for _, r := range recipients {
		attempt, err := w.st.EnsureAttempt(ctx, scheduleID, r)
		if err != nil {
			return fmt.Errorf("Worker.dispatch: ensure attempt for %s/%s: %w", scheduleID, r.ID, err)
		}
		if attempt.Status == models.AttemptStatusSent {
			// Already delivered by a previous run of this schedule.
			continue
		}
		pending = append(pending, *attempt)
	}

	sem := make(chan struct{}, w.fanOut)
	var wg sync.WaitGroup
	for _, attempt := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(a models.DeliveryAttempt) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliverOne(ctx, msg.Body, a)
		}(attempt)
	}
	wg.Wait()

	attempts, err := w.st.ListAttempts(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("Worker.dispatch: list attempts for %s: %w", scheduleID, err)
	}
	// A shutdown mid-fan-out leaves attempts pending. The schedule must stay
	// in processing so the reaper can resume it rather than be finalized with
	// recipients that were never tried.
	if ctx.Err() != nil && hasPendingAttempt(attempts) {
		slog.Warn("Worker.dispatch: interrupted mid-dispatch, leaving schedule for the reaper", "schedule_id", scheduleID)
		return nil
	}
	final := models.FinalStatus(attempts)
	summary := models.BuildErrorSummary(attempts)
	var sentAt *time.Time
	for _, a := range attempts {
		if a.Status == models.AttemptStatusSent {
			now := time.Now().UTC()
			sentAt = &now
			break
		}
	}
	return w.finish(ctx, scheduleID, final, sentAt, summary)
}

// deliverOne sends to a single recipient and persists the outcome
// immediately. Persistence errors are logged but do not abort the fan-out;
// the remaining recipients still deserve their sends.
func (w *Worker) deliverOne(ctx context.Context, body string, a models.DeliveryAttempt) {
	outcome := w.client.Deliver(ctx, a.Phone, body)
	attemptCount := a.AttemptCount + outcome.Attempts

	// A cancelled worker context is not a delivery failure; the attempt stays
	// pending so a resume can still deliver it.
	if outcome.Err != nil && ctx.Err() != nil &&
		(outcome.Attempts == 0 || errors.Is(outcome.Err, context.Canceled)) {
		slog.Debug("Worker.deliverOne: interrupted by shutdown, attempt stays pending", "schedule_id", a.ScheduleID, "recipient_id", a.RecipientID)
		return
	}

	if outcome.Err == nil {
		if err := w.st.MarkAttemptSent(ctx, a.ScheduleID, a.RecipientID, attemptCount, time.Now().UTC()); err != nil {
			slog.Error("Worker.deliverOne: failed to record sent attempt", "schedule_id", a.ScheduleID, "recipient_id", a.RecipientID, "error", err)
		}
		return
	}

	slog.Warn("Worker.deliverOne: delivery failed",
		"schedule_id", a.ScheduleID, "recipient_id", a.RecipientID,
		"attempts", outcome.Attempts, "permanent", outcome.Permanent, "error", outcome.Err)
	if err := w.st.MarkAttemptFailed(ctx, a.ScheduleID, a.RecipientID, attemptCount, outcome.Err.Error()); err != nil {
		slog.Error("Worker.deliverOne: failed to record failed attempt", "schedule_id", a.ScheduleID, "recipient_id", a.RecipientID, "error", err)
	}
}

func hasPendingAttempt(attempts []models.DeliveryAttempt) bool {
	for _, a := range attempts {
		if a.Status == models.AttemptStatusPending {
			return true
		}
	}
	return false
}

func (w *Worker) finish(ctx context.Context, scheduleID string, final models.ScheduleStatus, sentAt *time.Time, summary string) error {
	if err := w.st.FinishSchedule(ctx, scheduleID, final, sentAt, summary); err != nil {
		return fmt.Errorf("Worker.finish: schedule %s -> %s: %w", scheduleID, final, err)
	}
	slog.Info("Worker.finish: schedule finished", "schedule_id", scheduleID, "status", final)
	return nil
}

// Pool runs a fixed set of workers consuming from a broker until the context
// is cancelled or the broker closes.
type Pool struct {
	broker  broker.Broker
	worker  *Worker
	workers int
	wg      sync.WaitGroup
}

// NewPool creates a worker pool. A size of zero or less uses DefaultWorkers.
func NewPool(b broker.Broker, w *Worker, size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &Pool{broker: b, worker: w, workers: size}
}

// Start launches the consumer goroutines. It returns immediately; call Wait
// to block until they exit.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	slog.Info("Pool.Start: workers started", "count", p.workers)
}

func (p *Pool) consume(ctx context.Context, id int) {
	for {
		task, err := p.broker.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
				slog.Debug("Pool.consume: worker stopping", "worker", id)
				return
			}
			slog.Error("Pool.consume: dequeue failed", "worker", id, "error", err)
			continue
		}
		if err := p.worker.Process(ctx, task); err != nil {
			slog.Error("Pool.consume: task failed", "worker", id, "task_id", task.ID, "schedule_id", task.ScheduleID, "error", err)
		}
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
