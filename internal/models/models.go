// Package models defines the core data structures for the WhatsApp scheduler.
//
// It includes the schedule status state machine, per-recipient delivery
// attempts, and the aggregation rules that turn attempt outcomes into a
// final schedule status. These types are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleStatus represents the lifecycle state of a scheduled message.
type ScheduleStatus string

const (
	// ScheduleStatusPending indicates the schedule is waiting for its due time.
	ScheduleStatusPending ScheduleStatus = "pending"
	// ScheduleStatusProcessing indicates a worker has claimed the schedule.
	ScheduleStatusProcessing ScheduleStatus = "processing"
	// ScheduleStatusSent indicates every recipient received the message.
	ScheduleStatusSent ScheduleStatus = "sent"
	// ScheduleStatusPartiallySent indicates some recipients received the message.
	ScheduleStatusPartiallySent ScheduleStatus = "partially_sent"
	// ScheduleStatusFailed indicates no recipient received the message.
	ScheduleStatusFailed ScheduleStatus = "failed"
	// ScheduleStatusCancelled indicates the schedule was cancelled before dispatch.
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	// ScheduleStatusArchived indicates a terminal schedule was archived by an operator.
	ScheduleStatusArchived ScheduleStatus = "archived"
)

// scheduleTransitions is the closed transition table for schedule statuses.
// Every status write in the store is validated against it; illegal
// transitions are rejected rather than trusted from callers.
var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleStatusPending: {ScheduleStatusProcessing, ScheduleStatusCancelled},
	ScheduleStatusProcessing: {
		// processing -> processing is the explicit re-claim path used by the
		// reaper and by send-now re-entry on a stuck run.
		ScheduleStatusProcessing,
		ScheduleStatusSent,
		ScheduleStatusPartiallySent,
		ScheduleStatusFailed,
	},
	ScheduleStatusSent:          {ScheduleStatusArchived},
	ScheduleStatusPartiallySent: {ScheduleStatusArchived},
	ScheduleStatusFailed:        {ScheduleStatusProcessing, ScheduleStatusArchived},
	ScheduleStatusCancelled:     {ScheduleStatusArchived},
	ScheduleStatusArchived:      {},
}

// IsValidScheduleStatus checks whether the given status is a known status.
func IsValidScheduleStatus(s ScheduleStatus) bool {
	_, ok := scheduleTransitions[s]
	return ok
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to ScheduleStatus) bool {
	for _, next := range scheduleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the automatic pipeline is done with a schedule.
// Archived is a manual overlay on top of a terminal status.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleStatusSent, ScheduleStatusPartiallySent, ScheduleStatusFailed,
		ScheduleStatusCancelled, ScheduleStatusArchived:
		return true
	default:
		return false
	}
}

// IsDeletable reports whether a schedule in this status may be deleted.
func (s ScheduleStatus) IsDeletable() bool {
	return s == ScheduleStatusCancelled || s == ScheduleStatusFailed
}

// AttemptStatus represents the state of one per-recipient delivery attempt.
type AttemptStatus string

const (
	// AttemptStatusPending indicates the attempt has not reached a terminal state.
	AttemptStatusPending AttemptStatus = "pending"
	// AttemptStatusSent indicates the recipient received the message.
	AttemptStatusSent AttemptStatus = "sent"
	// AttemptStatusFailed indicates delivery to the recipient failed after retries.
	AttemptStatusFailed AttemptStatus = "failed"
)

// Error variables for better error handling and testability
var (
	ErrIllegalTransition = errors.New("illegal schedule status transition")
	ErrEmptyGroup        = errors.New("no recipients in group")
	ErrPastScheduleTime  = errors.New("scheduled time must be in the future")
	ErrUnknownMessage    = errors.New("message not found")
	ErrUnknownGroup      = errors.New("recipient group not found")
)

// Schedule represents one request to send one message to one group at one time.
type Schedule struct {
	ID                  string         `json:"id"`
	MessageID           string         `json:"message_id"`
	GroupID             string         `json:"group_id"`
	ScheduledTime       time.Time      `json:"scheduled_time"`
	Status              ScheduleStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	SentAt              *time.Time     `json:"sent_at,omitempty"`
	CancelledAt         *time.Time     `json:"cancelled_at,omitempty"`
	ArchivedAt          *time.Time     `json:"archived_at,omitempty"`
	ErrorSummary        string         `json:"error_summary,omitempty"`
	DispatchTaskID      string         `json:"dispatch_task_id,omitempty"`
}

// DeliveryAttempt represents the outcome of sending to one recipient for one
// schedule. Attempts are keyed by (schedule_id, recipient_id) and retried in
// place, never duplicated, so a crashed dispatch can resume idempotently.
type DeliveryAttempt struct {
	ScheduleID   string        `json:"schedule_id"`
	RecipientID  string        `json:"recipient_id"`
	Phone        string        `json:"phone"`
	Name         string        `json:"name"`
	Status       AttemptStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	LastError    string        `json:"last_error,omitempty"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Message is the reusable message content referenced by a schedule.
type Message struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Recipient is one deliverable phone number with a display name.
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// RecipientGroup is a named set of recipients referenced by a schedule.
type RecipientGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ScheduleCounts summarizes per-recipient outcomes for the read surface.
type ScheduleCounts struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// MaxErrorSummaryEntries bounds how many per-recipient errors are kept in a
// schedule's error summary.
const MaxErrorSummaryEntries = 5

// FinalStatus computes the final schedule status from a set of attempts. It
// is a pure function of the attempt statuses and independent of completion
// order: sent only when every attempt is sent, failed when none are, anything
// mixed yields partially_sent. Attempts still pending count as undelivered,
// so a schedule finalized with incomplete attempts can never report sent.
// An empty set yields failed (empty group).
func FinalStatus(attempts []DeliveryAttempt) ScheduleStatus {
	if len(attempts) == 0 {
		return ScheduleStatusFailed
	}
	sent := 0
	for _, a := range attempts {
		if a.Status == AttemptStatusSent {
			sent++
		}
	}
	switch {
	case sent == len(attempts):
		return ScheduleStatusSent
	case sent == 0:
		return ScheduleStatusFailed
	default:
		return ScheduleStatusPartiallySent
	}
}

// BuildErrorSummary concatenates per-recipient failure details into a single
// operator-facing string. At most MaxErrorSummaryEntries failures are kept.
func BuildErrorSummary(attempts []DeliveryAttempt) string {
	var parts []string
	for _, a := range attempts {
		if a.Status != AttemptStatusFailed {
			continue
		}
		if len(parts) >= MaxErrorSummaryEntries {
			break
		}
		parts = append(parts, fmt.Sprintf("failed to send to %s (%s): %s", a.Name, a.Phone, a.LastError))
	}
	return strings.Join(parts, "; ")
}
