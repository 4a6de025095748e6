// Package store provides storage backends for the WhatsApp scheduler.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc models.Schedule) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sc.ID, sc.MessageID, sc.GroupID, sc.ScheduledTime, string(sc.Status), sc.CreatedAt, nilIfEmpty(sc.DispatchTaskID),
	)
	if err != nil {
		slog.Error("PostgresStore.CreateSchedule failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to insert schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule failed: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, status models.ScheduleStatus, limit, offset int) ([]models.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules ORDER BY scheduled_time LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE status = $1 ORDER BY scheduled_time LIMIT $2 OFFSET $3`,
			string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list schedules query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *PostgresStore) DueSchedules(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending' AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC LIMIT $2`,
		now.Add(lookahead), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *PostgresStore) StuckProcessing(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'processing' AND processing_started_at < $1
		 ORDER BY processing_started_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("stuck processing query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *PostgresStore) OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending' AND dispatch_task_id IS NOT NULL AND scheduled_time < $1
		 ORDER BY scheduled_time ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("overdue pending query failed: %w", err)
	}
	return collectSchedules(rows)
}

func (s *PostgresStore) ClaimPending(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'processing', processing_started_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("claim pending failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore.ClaimPending", "id", id, "claimed", n == 1)
	return n == 1, nil
}

func (s *PostgresStore) ClaimForSendNow(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'processing', processing_started_at = $1
		 WHERE id = $2 AND status IN ('pending', 'failed')`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("claim for send-now failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) ReclaimStuck(ctx context.Context, id string, stuckBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET processing_started_at = $1
		 WHERE id = $2 AND status = 'processing' AND processing_started_at < $3`,
		now, id, stuckBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim stuck failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, id, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET dispatch_task_id = $1
		 WHERE id = $2 AND status = 'pending' AND dispatch_task_id IS NULL`,
		taskID, id)
	if err != nil {
		return false, fmt.Errorf("mark dispatched failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) RecordDispatchTask(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET dispatch_task_id = $1 WHERE id = $2`, taskID, id)
	if err != nil {
		return fmt.Errorf("record dispatch task failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinishSchedule(ctx context.Context, id string, final models.ScheduleStatus, sentAt *time.Time, errorSummary string) error {
	if err := validateFinal(final); err != nil {
		return err
	}
	var sentAtVal interface{}
	if sentAt != nil {
		sentAtVal = *sentAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = $1, sent_at = $2, error_summary = $3
		 WHERE id = $4 AND status = 'processing'`,
		string(final), sentAtVal, nilIfEmpty(errorSummary), id)
	if err != nil {
		return fmt.Errorf("finish schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finish schedule %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) CancelSchedule(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'cancelled', cancelled_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		now, id)
	if err != nil {
		return fmt.Errorf("cancel schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetSchedule(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("cancel schedule %s: %w", id, ErrConflict)
}

func (s *PostgresStore) ArchiveSchedule(ctx context.Context, id string, now time.Time) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status == models.ScheduleStatusArchived {
		return nil
	}
	if !models.CanTransition(sc.Status, models.ScheduleStatusArchived) {
		return fmt.Errorf("archive schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = 'archived', archived_at = $1
		 WHERE id = $2 AND status = $3`,
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

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !sc.Status.IsDeletable() {
		return fmt.Errorf("delete schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = $1 AND status IN ('cancelled', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("delete schedule failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete schedule %s: %w", id, ErrConflict)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE schedule_id = $1`, id); err != nil {
		return fmt.Errorf("delete attempts failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureAttempt(ctx context.Context, scheduleID string, r models.Recipient) (*models.DeliveryAttempt, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (schedule_id, recipient_id, phone, name, status, attempt_count, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5)
		 ON CONFLICT (schedule_id, recipient_id) DO NOTHING`,
		scheduleID, r.ID, r.Phone, r.Name, now)
	if err != nil {
		return nil, fmt.Errorf("ensure attempt failed: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE schedule_id = $1 AND recipient_id = $2`,
		scheduleID, r.ID)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("read attempt failed: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) MarkAttemptSent(ctx context.Context, scheduleID, recipientID string, attemptCount int, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = 'sent', attempt_count = $1, last_error = NULL, sent_at = $2, updated_at = $3
		 WHERE schedule_id = $4 AND recipient_id = $5`,
		attemptCount, sentAt, time.Now().UTC(), scheduleID, recipientID)
	if err != nil {
		return fmt.Errorf("mark attempt sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAttemptFailed(ctx context.Context, scheduleID, recipientID string, attemptCount int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = 'failed', attempt_count = $1, last_error = $2, updated_at = $3
		 WHERE schedule_id = $4 AND recipient_id = $5`,
		attemptCount, lastError, time.Now().UTC(), scheduleID, recipientID)
	if err != nil {
		return fmt.Errorf("mark attempt failed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, scheduleID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE schedule_id = $1 ORDER BY recipient_id`,
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

func (s *PostgresStore) CountAttempts(ctx context.Context, scheduleID string) (models.ScheduleCounts, error) {
	var c models.ScheduleCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM delivery_attempts WHERE schedule_id = $1`,
		scheduleID).Scan(&c.Total, &c.Sent, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("count attempts failed: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, created_at FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.Title, &m.Body, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*models.RecipientGroup, error) {
	var g models.RecipientGroup
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM recipient_groups WHERE id = $1`, id).
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

func (s *PostgresStore) GroupRecipients(ctx context.Context, groupID string) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.phone FROM recipients r
		 JOIN group_members gm ON gm.recipient_id = r.id
		 WHERE gm.group_id = $1 ORDER BY r.id`,
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

func (s *PostgresStore) CreateMessage(ctx context.Context, m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, title, body, created_at) VALUES ($1, $2, $3, $4)`,
		m.ID, m.Title, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRecipient(ctx context.Context, r models.Recipient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (id, name, phone) VALUES ($1, $2, $3)`,
		r.ID, r.Name, r.Phone)
	if err != nil {
		return fmt.Errorf("create recipient failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g models.RecipientGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient_groups (id, name, description) VALUES ($1, $2, $3)`,
		g.ID, g.Name, nilIfEmpty(g.Description))
	if err != nil {
		return fmt.Errorf("create group failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, recipient_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		groupID, recipientID)
	if err != nil {
		return fmt.Errorf("add group member failed: %w", err)
	}
	return nil
}
