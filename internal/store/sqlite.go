// Package store provides storage backends for the WhatsApp scheduler.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc models.Schedule) error {
	if sc.Status == "" {
		sc.Status = models.ScheduleStatusPending
	}
	if !models.IsValidScheduleStatus(sc.Status) {
		return fmt.Errorf("invalid schedule status %q", sc.Status)
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, message_id, group_id, scheduled_time, status, created_at, dispatch_task_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.MessageID, sc.GroupID, sc.ScheduledTime, string(sc.Status), sc.CreatedAt, nilIfEmpty(sc.DispatchTaskID),
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateSchedule failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to insert schedule %s: %w", sc.ID, err)
	}
	slog.Debug("SQLiteStore.CreateSchedule succeeded", "id", sc.ID, "scheduledTime", sc.ScheduledTime)
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule failed: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, status models.ScheduleStatus, limit, offset int) ([]models.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules ORDER BY scheduled_time LIMIT ? OFFSET ?`,
			limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY scheduled_time LIMIT ? OFFSET ?`,
			string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list schedules query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *SQLiteStore) DueSchedules(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending' AND scheduled_time <= ?
		 ORDER BY scheduled_time ASC LIMIT ?`,
		now.Add(lookahead), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *SQLiteStore) StuckProcessing(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'processing' AND processing_started_at < ?
		 ORDER BY processing_started_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("stuck processing query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *SQLiteStore) OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending' AND dispatch_task_id IS NOT NULL AND scheduled_time < ?
		 ORDER BY scheduled_time ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("overdue pending query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'processing', processing_started_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("claim pending failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.ClaimPending", "id", id, "claimed", n == 1)
	return n == 1, nil
}

func (s *SQLiteStore) ClaimForSendNow(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'processing', processing_started_at = ?
		 WHERE id = ? AND status IN ('pending', 'failed')`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("claim for send-now failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.ClaimForSendNow", "id", id, "claimed", n == 1)
	return n == 1, nil
}

func (s *SQLiteStore) ReclaimStuck(ctx context.Context, id string, stuckBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET processing_started_at = ?
		 WHERE id = ? AND status = 'processing' AND processing_started_at < ?`,
		now, id, stuckBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim stuck failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.ReclaimStuck", "id", id, "reclaimed", n == 1)
	return n == 1, nil
}

func (s *SQLiteStore) MarkDispatched(ctx context.Context, id, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET dispatch_task_id = ?
		 WHERE id = ? AND status = 'pending' AND dispatch_task_id IS NULL`,
		taskID, id)
	if err != nil {
		return false, fmt.Errorf("mark dispatched failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) RecordDispatchTask(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET dispatch_task_id = ? WHERE id = ?`, taskID, id)
	if err != nil {
		return fmt.Errorf("record dispatch task failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FinishSchedule(ctx context.Context, id string, final models.ScheduleStatus, sentAt *time.Time, errorSummary string) error {
	if err := validateFinal(final); err != nil {
		return err
	}
	var sentAtVal interface{}
	if sentAt != nil {
		sentAtVal = *sentAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, sent_at = ?, error_summary = ?
		 WHERE id = ? AND status = 'processing'`,
		string(final), sentAtVal, nilIfEmpty(errorSummary), id)
	if err != nil {
		return fmt.Errorf("finish schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finish schedule %s: %w", id, ErrConflict)
	}
	slog.Debug("SQLiteStore.FinishSchedule", "id", id, "final", final)
	return nil
}

func (s *SQLiteStore) CancelSchedule(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'cancelled', cancelled_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, id)
	if err != nil {
		return fmt.Errorf("cancel schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	// Distinguish a missing schedule from a status conflict.
	if _, err := s.GetSchedule(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("cancel schedule %s: %w", id, ErrConflict)
}

func (s *SQLiteStore) ArchiveSchedule(ctx context.Context, id string, now time.Time) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status == models.ScheduleStatusArchived {
		// Idempotent: archiving an archived schedule succeeds unchanged.
		return nil
	}
	if !models.CanTransition(sc.Status, models.ScheduleStatusArchived) {
		return fmt.Errorf("archive schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'archived', archived_at = ?
		 WHERE id = ? AND status = ?`,
		now, id, string(sc.Status))
	if err != nil {
		return fmt.Errorf("archive schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("archive schedule %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !sc.Status.IsDeletable() {
		return fmt.Errorf("delete schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = ? AND status IN ('cancelled', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("delete schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete schedule %s: %w", id, ErrConflict)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("delete attempts failed: %w", err)
	}
	slog.Debug("SQLiteStore.DeleteSchedule succeeded", "id", id)
	return nil
}

func (s *SQLiteStore) EnsureAttempt(ctx context.Context, scheduleID string, r models.Recipient) (*models.DeliveryAttempt, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_attempts (schedule_id, recipient_id, phone, name, status, attempt_count, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?)`,
		scheduleID, r.ID, r.Phone, r.Name, now)
	if err != nil {
		return nil, fmt.Errorf("ensure attempt failed: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE schedule_id = ? AND recipient_id = ?`,
		scheduleID, r.ID)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("read attempt failed: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) MarkAttemptSent(ctx context.Context, scheduleID, recipientID string, attemptCount int, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = 'sent', attempt_count = ?, last_error = NULL, sent_at = ?, updated_at = ?
		 WHERE schedule_id = ? AND recipient_id = ?`,
		attemptCount, sentAt, time.Now().UTC(), scheduleID, recipientID)
	if err != nil {
		return fmt.Errorf("mark attempt sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAttemptFailed(ctx context.Context, scheduleID, recipientID string, attemptCount int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = 'failed', attempt_count = ?, last_error = ?, updated_at = ?
		 WHERE schedule_id = ? AND recipient_id = ?`,
		attemptCount, lastError, time.Now().UTC(), scheduleID, recipientID)
	if err != nil {
		return fmt.Errorf("mark attempt failed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, scheduleID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE schedule_id = ? ORDER BY recipient_id`,
		scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list attempts query failed: %w", err)
	}
	defer rows.Close()
	var out []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt failed: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountAttempts(ctx context.Context, scheduleID string) (models.ScheduleCounts, error) {
	var c models.ScheduleCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM delivery_attempts WHERE schedule_id = ?`,
		scheduleID).Scan(&c.Total, &c.Sent, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("count attempts failed: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, created_at FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.Title, &m.Body, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*models.RecipientGroup, error) {
	var g models.RecipientGroup
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM recipient_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group failed: %w", err)
	}
	g.Description = description.String
	return &g, nil
}

func (s *SQLiteStore) GroupRecipients(ctx context.Context, groupID string) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.phone FROM recipients r
		 JOIN group_members gm ON gm.recipient_id = r.id
		 WHERE gm.group_id = ? ORDER BY r.id`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("group recipients query failed: %w", err)
	}
	defer rows.Close()
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Phone); err != nil {
			return nil, fmt.Errorf("scan recipient failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, title, body, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Title, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRecipient(ctx context.Context, r models.Recipient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (id, name, phone) VALUES (?, ?, ?)`,
		r.ID, r.Name, r.Phone)
	if err != nil {
		return fmt.Errorf("create recipient failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, g models.RecipientGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient_groups (id, name, description) VALUES (?, ?, ?)`,
		g.ID, g.Name, nilIfEmpty(g.Description))
	if err != nil {
		return fmt.Errorf("create group failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, recipient_id) VALUES (?, ?)`,
		groupID, recipientID)
	if err != nil {
		return fmt.Errorf("add group member failed: %w", err)
	}
	return nil
}
