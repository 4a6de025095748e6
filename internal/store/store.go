// Package store provides storage backends for the WhatsApp scheduler.
//
// The Store is the sole source of truth for schedules and per-recipient
// delivery attempts. All cross-worker coordination is expressed as
// conditional updates against it: claiming a schedule, recording a dispatch
// task, and finishing a run are all compare-and-set operations so that
// exactly one concurrent caller wins.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
)

// Sentinel errors surfaced to the control surface.
var (
	// ErrNotFound indicates the schedule (or related row) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the current status does not permit the operation.
	ErrConflict = errors.New("operation conflicts with current schedule status")
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persisted record of schedules and delivery attempts.
type Store interface {
	// CreateSchedule inserts a new schedule. Status defaults to pending and
	// CreatedAt to now when unset.
	CreateSchedule(ctx context.Context, s models.Schedule) error

	// GetSchedule retrieves a schedule by ID. Returns ErrNotFound if absent.
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)

	// ListSchedules returns schedules ordered by scheduled time, optionally
	// filtered by status (empty means all).
	ListSchedules(ctx context.Context, status models.ScheduleStatus, limit, offset int) ([]models.Schedule, error)

	// DueSchedules returns pending schedules with scheduled_time <= now+lookahead.
	DueSchedules(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]models.Schedule, error)

	// StuckProcessing returns schedules stuck in processing since before the cutoff.
	StuckProcessing(ctx context.Context, before time.Time) ([]models.Schedule, error)

	// OverduePending returns pending schedules that were handed a dispatch task
	// before the cutoff but were never claimed (lost task).
	OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error)

	// ClaimPending attempts the pending -> processing transition. Exactly one
	// concurrent caller wins; the rest observe claimed=false with no error.
	ClaimPending(ctx context.Context, id string, now time.Time) (bool, error)

	// ClaimForSendNow attempts pending|failed -> processing for an explicit
	// operator send-now request.
	ClaimForSendNow(ctx context.Context, id string, now time.Time) (bool, error)

	// ReclaimStuck attempts the processing -> processing re-claim used by the
	// reaper. It only succeeds when processing_started_at is older than
	// stuckBefore, and it advances processing_started_at to now, so exactly
	// one concurrent re-claimer wins.
	ReclaimStuck(ctx context.Context, id string, stuckBefore, now time.Time) (bool, error)

	// MarkDispatched records the dispatch task ID on a pending schedule that
	// has no active task yet. Returns false when a task is already recorded
	// or the schedule left pending, which dedupes scheduler enqueues.
	MarkDispatched(ctx context.Context, id, taskID string) (bool, error)

	// RecordDispatchTask overwrites the dispatch task ID unconditionally,
	// keeping send-now and resume runs traceable to their task.
	RecordDispatchTask(ctx context.Context, id, taskID string) error

	// FinishSchedule writes the final status of a claimed run. It is guarded
	// on the schedule being in processing and rejects statuses the state
	// machine does not permit.
	FinishSchedule(ctx context.Context, id string, final models.ScheduleStatus, sentAt *time.Time, errorSummary string) error

	// CancelSchedule performs pending -> cancelled. Returns ErrConflict when
	// the schedule is in any other status.
	CancelSchedule(ctx context.Context, id string, now time.Time) error

	// ArchiveSchedule performs terminal -> archived. Archiving an already
	// archived schedule succeeds without changes.
	ArchiveSchedule(ctx context.Context, id string, now time.Time) error

	// DeleteSchedule removes a cancelled or failed schedule and its attempts.
	DeleteSchedule(ctx context.Context, id string) error

	// EnsureAttempt creates the (schedule, recipient) attempt row if it does
	// not exist and returns the current row. Existing rows are returned
	// unchanged so a resumed dispatch sees prior progress.
	EnsureAttempt(ctx context.Context, scheduleID string, r models.Recipient) (*models.DeliveryAttempt, error)

	// MarkAttemptSent records a successful delivery for one recipient.
	MarkAttemptSent(ctx context.Context, scheduleID, recipientID string, attemptCount int, sentAt time.Time) error

	// MarkAttemptFailed records a terminal delivery failure for one recipient.
	MarkAttemptFailed(ctx context.Context, scheduleID, recipientID string, attemptCount int, lastError string) error

	// ListAttempts returns all attempts for a schedule.
	ListAttempts(ctx context.Context, scheduleID string) ([]models.DeliveryAttempt, error)

	// CountAttempts returns per-recipient outcome counts for a schedule.
	CountAttempts(ctx context.Context, scheduleID string) (models.ScheduleCounts, error)

	// GetMessage resolves message content at dispatch time.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// GetGroup retrieves a recipient group by ID. Returns ErrNotFound if absent.
	GetGroup(ctx context.Context, id string) (*models.RecipientGroup, error)

	// GroupRecipients resolves the current group membership at dispatch time.
	GroupRecipients(ctx context.Context, groupID string) ([]models.Recipient, error)

	// CreateMessage, CreateRecipient, CreateGroup and AddGroupMember persist
	// the collaborator data owned by the external CRUD layer.
	CreateMessage(ctx context.Context, m models.Message) error
	CreateRecipient(ctx context.Context, r models.Recipient) error
	CreateGroup(ctx context.Context, g models.RecipientGroup) error
	AddGroupMember(ctx context.Context, groupID, recipientID string) error

	Close() error
}
