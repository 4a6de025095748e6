package store

import (
	"database/sql"
	"fmt"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanTarget is satisfied by both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...interface{}) error
}

const scheduleColumns = `id, message_id, group_id, scheduled_time, status, created_at,
	processing_started_at, sent_at, cancelled_at, archived_at, error_summary, dispatch_task_id`

// scanSchedule scans a Schedule from a row or rows cursor.
func scanSchedule(row scanTarget) (models.Schedule, error) {
	var s models.Schedule
	var status string
	var processingStartedAt, sentAt, cancelledAt, archivedAt sql.NullTime
	var errorSummary, taskID sql.NullString

	err := row.Scan(
		&s.ID, &s.MessageID, &s.GroupID, &s.ScheduledTime, &status, &s.CreatedAt,
		&processingStartedAt, &sentAt, &cancelledAt, &archivedAt, &errorSummary, &taskID,
	)
	if err != nil {
		return s, err
	}
	s.Status = models.ScheduleStatus(status)
	s.ErrorSummary = errorSummary.String
	s.DispatchTaskID = taskID.String
	if processingStartedAt.Valid {
		s.ProcessingStartedAt = &processingStartedAt.Time
	}
	if sentAt.Valid {
		s.SentAt = &sentAt.Time
	}
	if cancelledAt.Valid {
		s.CancelledAt = &cancelledAt.Time
	}
	if archivedAt.Valid {
		s.ArchivedAt = &archivedAt.Time
	}
	return s, nil
}

const attemptColumns = `schedule_id, recipient_id, phone, name, status, attempt_count, last_error, sent_at, updated_at`

// scanAttempt scans a DeliveryAttempt from a row or rows cursor.
func scanAttempt(row scanTarget) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var status string
	var lastError sql.NullString
	var sentAt sql.NullTime

	err := row.Scan(
		&a.ScheduleID, &a.RecipientID, &a.Phone, &a.Name, &status,
		&a.AttemptCount, &lastError, &sentAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.Status = models.AttemptStatus(status)
	a.LastError = lastError.String
	if sentAt.Valid {
		a.SentAt = &sentAt.Time
	}
	return a, nil
}

// collectSchedules drains a rows cursor into a schedule slice.
func collectSchedules(rows *sql.Rows) ([]models.Schedule, error) {
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule failed: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows iteration failed: %w", err)
	}
	return out, nil
}

// validateFinal rejects final statuses the state machine does not permit
// from processing.
func validateFinal(final models.ScheduleStatus) error {
	if !models.CanTransition(models.ScheduleStatusProcessing, final) || final == models.ScheduleStatusProcessing {
		return fmt.Errorf("%w: processing -> %s", models.ErrIllegalTransition, final)
	}
	return nil
}
