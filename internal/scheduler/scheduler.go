// Package scheduler turns due schedules into broker tasks.
//
// A single Scheduler instance runs two periodic jobs on a cron runner: Poll,
// which finds due pending schedules and enqueues dispatch tasks for them, and
// Reap, which recovers schedules whose dispatch died mid-flight. Enqueue
// deduplication is handled by a conditional store update so a schedule never
// receives a second dispatch task while the first is still live.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
	"github.com/beborico1/whatsapp-scheduler/internal/util"
)

// Defaults for the periodic jobs.
const (
	// DefaultPollInterval is how often due schedules are swept.
	DefaultPollInterval = 60 * time.Second
	// DefaultReapInterval is how often stuck schedules are swept.
	DefaultReapInterval = 1 * time.Minute
	// DefaultStuckTimeout is how long a schedule may sit in processing
	// before the reaper re-dispatches it.
	DefaultStuckTimeout = 10 * time.Minute
	// DefaultLookahead pulls in schedules due slightly in the future so a
	// poll tick never strands a schedule until the next tick.
	DefaultLookahead = 0 * time.Second
	// DefaultPollBatch caps schedules processed per poll tick.
	DefaultPollBatch = 100
)

// Opts holds configuration options for the scheduler.
type Opts struct {
	PollInterval time.Duration
	ReapInterval time.Duration
	StuckTimeout time.Duration
	Lookahead    time.Duration
	PollBatch    int
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithPollInterval sets the due-schedule sweep interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithReapInterval sets the stuck-schedule sweep interval.
func WithReapInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReapInterval = d }
}

// WithStuckTimeout sets how long a processing schedule may go without
// progress before being re-dispatched.
func WithStuckTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StuckTimeout = d }
}

// WithLookahead sets how far into the future the poll pulls due schedules.
func WithLookahead(d time.Duration) Option {
	return func(o *Opts) { o.Lookahead = d }
}

// WithPollBatch caps schedules per poll tick.
func WithPollBatch(n int) Option {
	return func(o *Opts) { o.PollBatch = n }
}

// Scheduler owns the periodic poll and reap jobs.
type Scheduler struct {
	st   store.Store
	bk   broker.Broker
	cron *cron.Cron
	cfg  Opts
}

// New creates a scheduler. Call Start to begin ticking.
func New(st store.Store, bk broker.Broker, opts ...Option) *Scheduler {
	cfg := Opts{
		PollInterval: DefaultPollInterval,
		ReapInterval: DefaultReapInterval,
		StuckTimeout: DefaultStuckTimeout,
		Lookahead:    DefaultLookahead,
		PollBatch:    DefaultPollBatch,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{st: st, bk: bk, cron: c, cfg: cfg}
}

// Start registers the periodic jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() {
		if err := s.Poll(ctx); err != nil {
			slog.Error("Scheduler poll failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to register poll job: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReapInterval), func() {
		if err := s.Reap(ctx); err != nil {
			slog.Error("Scheduler reap failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to register reap job: %w", err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "poll_interval", s.cfg.PollInterval, "reap_interval", s.cfg.ReapInterval, "stuck_timeout", s.cfg.StuckTimeout)
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Debug("Scheduler stopped")
}

// Poll sweeps due pending schedules and enqueues one dispatch task per
// schedule. Each row is handled independently so one bad schedule cannot
// stall the rest of the batch. A schedule that already carries a live
// dispatch task is skipped via the MarkDispatched compare-and-set.
func (s *Scheduler) Poll(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.st.DueSchedules(ctx, now, s.cfg.Lookahead, s.cfg.PollBatch)
	if err != nil {
		return fmt.Errorf("Scheduler.Poll: query due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	slog.Debug("Scheduler.Poll: due schedules found", "count", len(due))

	for _, sched := range due {
		taskID := util.GenerateTaskID()
		marked, err := s.st.MarkDispatched(ctx, sched.ID, taskID)
		if err != nil {
			slog.Error("Scheduler.Poll: failed to mark schedule dispatched", "schedule_id", sched.ID, "error", err)
			continue
		}
		if !marked {
			// Already dispatched by an earlier tick, or no longer pending.
			continue
		}
		task := broker.Task{ID: taskID, ScheduleID: sched.ID, Kind: broker.TaskDispatch}
		if err := s.bk.Enqueue(ctx, task); err != nil {
			// The dispatch task ID stays recorded; the overdue sweep in Reap
			// re-enqueues it once the schedule ages past the stuck timeout.
			slog.Error("Scheduler.Poll: failed to enqueue dispatch task", "schedule_id", sched.ID, "task_id", taskID, "error", err)
			continue
		}
		slog.Info("Scheduler.Poll: dispatch task enqueued", "schedule_id", sched.ID, "task_id", taskID)
	}
	return nil
}

// Reap recovers schedules whose dispatch stopped making progress. Two cases:
// schedules stuck in processing (worker died mid-fan-out) get a resume task
// carrying the staleness cutoff, and pending schedules whose dispatch task
// was enqueued but evidently lost get a fresh dispatch task.
func (s *Scheduler) Reap(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.StuckTimeout)

	stuck, err := s.st.StuckProcessing(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("Scheduler.Reap: query stuck schedules: %w", err)
	}
	for _, sched := range stuck {
		stuckBefore := cutoff
		task := broker.Task{
			ID:          util.GenerateTaskID(),
			ScheduleID:  sched.ID,
			Kind:        broker.TaskResume,
			StuckBefore: &stuckBefore,
		}
		if err := s.st.RecordDispatchTask(ctx, sched.ID, task.ID); err != nil {
			slog.Error("Scheduler.Reap: failed to record resume task", "schedule_id", sched.ID, "error", err)
			continue
		}
		if err := s.bk.Enqueue(ctx, task); err != nil {
			slog.Error("Scheduler.Reap: failed to enqueue resume task", "schedule_id", sched.ID, "error", err)
			continue
		}
		slog.Warn("Scheduler.Reap: resume task enqueued for stuck schedule", "schedule_id", sched.ID, "task_id", task.ID)
	}

	overdue, err := s.st.OverduePending(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("Scheduler.Reap: query overdue schedules: %w", err)
	}
	for _, sched := range overdue {
		// The recorded task never arrived at a worker. Enqueue a replacement
		// under the same recorded ID; claiming stays safe either way.
		task := broker.Task{ID: sched.DispatchTaskID, ScheduleID: sched.ID, Kind: broker.TaskDispatch}
		if err := s.bk.Enqueue(ctx, task); err != nil {
			slog.Error("Scheduler.Reap: failed to re-enqueue dispatch task", "schedule_id", sched.ID, "error", err)
			continue
		}
		slog.Warn("Scheduler.Reap: dispatch task re-enqueued for overdue schedule", "schedule_id", sched.ID, "task_id", task.ID)
	}
	return nil
}
