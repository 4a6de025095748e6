// Package store provides storage backends for the WhatsApp scheduler.
//
// This file implements an in-memory store used in tests and single-process
// deployments. All conditional updates take the same locks, so the claim
// semantics match the SQL backends.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
)

// InMemoryStore is a mutex-guarded Store implementation.
type InMemoryStore struct {
	mu         sync.Mutex
	schedules  map[string]*models.Schedule
	attempts   map[string]map[string]*models.DeliveryAttempt // scheduleID -> recipientID
	messages   map[string]models.Message
	recipients map[string]models.Recipient
	groups     map[string]models.RecipientGroup
	members    map[string][]string // groupID -> recipientIDs
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		schedules:  make(map[string]*models.Schedule),
		attempts:   make(map[string]map[string]*models.DeliveryAttempt),
		messages:   make(map[string]models.Message),
		recipients: make(map[string]models.Recipient),
		groups:     make(map[string]models.RecipientGroup),
		members:    make(map[string][]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSchedule(ctx context.Context, sc models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.Status == "" {
		sc.Status = models.ScheduleStatusPending
	}
	if !models.IsValidScheduleStatus(sc.Status) {
		return fmt.Errorf("invalid schedule status %q", sc.Status)
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.schedules[sc.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sc.ID)
	}
	cp := sc
	s.schedules[sc.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *InMemoryStore) ListSchedules(ctx context.Context, status models.ScheduleStatus, limit, offset int) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var all []models.Schedule
	for _, sc := range s.schedules {
		if status != "" && sc.Status != status {
			continue
		}
		all = append(all, *sc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledTime.Before(all[j].ScheduledTime) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) DueSchedules(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(lookahead)
	var due []models.Schedule
	for _, sc := range s.schedules {
		if sc.Status == models.ScheduleStatusPending && !sc.ScheduledTime.After(cutoff) {
			due = append(due, *sc)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) StuckProcessing(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if sc.Status == models.ScheduleStatusProcessing &&
			sc.ProcessingStartedAt != nil && sc.ProcessingStartedAt.Before(before) {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	return out, nil
}

func (s *InMemoryStore) OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if sc.Status == models.ScheduleStatusPending && sc.DispatchTaskID != "" &&
			sc.ScheduledTime.Before(before) {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *InMemoryStore) ClaimPending(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || sc.Status != models.ScheduleStatusPending {
		return false, nil
	}
	sc.Status = models.ScheduleStatusProcessing
	t := now
	sc.ProcessingStartedAt = &t
	return true, nil
}

func (s *InMemoryStore) ClaimForSendNow(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return false, nil
	}
	if sc.Status != models.ScheduleStatusPending && sc.Status != models.ScheduleStatusFailed {
		return false, nil
	}
	sc.Status = models.ScheduleStatusProcessing
	t := now
	sc.ProcessingStartedAt = &t
	return true, nil
}

func (s *InMemoryStore) ReclaimStuck(ctx context.Context, id string, stuckBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || sc.Status != models.ScheduleStatusProcessing {
		return false, nil
	}
	if sc.ProcessingStartedAt == nil || !sc.ProcessingStartedAt.Before(stuckBefore) {
		return false, nil
	}
	t := now
	sc.ProcessingStartedAt = &t
	return true, nil
}

func (s *InMemoryStore) MarkDispatched(ctx context.Context, id, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || sc.Status != models.ScheduleStatusPending || sc.DispatchTaskID != "" {
		return false, nil
	}
	sc.DispatchTaskID = taskID
	return true, nil
}

func (s *InMemoryStore) RecordDispatchTask(ctx context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sc.DispatchTaskID = taskID
	return nil
}

func (s *InMemoryStore) FinishSchedule(ctx context.Context, id string, final models.ScheduleStatus, sentAt *time.Time, errorSummary string) error {
	if err := validateFinal(final); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if sc.Status != models.ScheduleStatusProcessing {
		return fmt.Errorf("finish schedule %s: %w", id, ErrConflict)
	}
	sc.Status = final
	sc.SentAt = sentAt
	sc.ErrorSummary = errorSummary
	return nil
}

func (s *InMemoryStore) CancelSchedule(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if sc.Status != models.ScheduleStatusPending {
		return fmt.Errorf("cancel schedule %s: %w", id, ErrConflict)
	}
	sc.Status = models.ScheduleStatusCancelled
	t := now
	sc.CancelledAt = &t
	return nil
}

func (s *InMemoryStore) ArchiveSchedule(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if sc.Status == models.ScheduleStatusArchived {
		return nil
	}
	if !models.CanTransition(sc.Status, models.ScheduleStatusArchived) {
		return fmt.Errorf("archive schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	sc.Status = models.ScheduleStatusArchived
	t := now
	sc.ArchivedAt = &t
	return nil
}

func (s *InMemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if !sc.Status.IsDeletable() {
		return fmt.Errorf("delete schedule %s in status %s: %w", id, sc.Status, ErrConflict)
	}
	delete(s.schedules, id)
	delete(s.attempts, id)
	return nil
}

func (s *InMemoryStore) EnsureAttempt(ctx context.Context, scheduleID string, r models.Recipient) (*models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRecipient, ok := s.attempts[scheduleID]
	if !ok {
		byRecipient = make(map[string]*models.DeliveryAttempt)
		s.attempts[scheduleID] = byRecipient
	}
	if a, exists := byRecipient[r.ID]; exists {
		cp := *a
		return &cp, nil
	}
	a := &models.DeliveryAttempt{
		ScheduleID:  scheduleID,
		RecipientID: r.ID,
		Phone:       r.Phone,
		Name:        r.Name,
		Status:      models.AttemptStatusPending,
		UpdatedAt:   time.Now().UTC(),
	}
	byRecipient[r.ID] = a
	cp := *a
	return &cp, nil
}

func (s *InMemoryStore) MarkAttemptSent(ctx context.Context, scheduleID, recipientID string, attemptCount int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.attemptLocked(scheduleID, recipientID)
	if err != nil {
		return err
	}
	a.Status = models.AttemptStatusSent
	a.AttemptCount = attemptCount
	a.LastError = ""
	t := sentAt
	a.SentAt = &t
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) MarkAttemptFailed(ctx context.Context, scheduleID, recipientID string, attemptCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.attemptLocked(scheduleID, recipientID)
	if err != nil {
		return err
	}
	a.Status = models.AttemptStatusFailed
	a.AttemptCount = attemptCount
	a.LastError = lastError
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) attemptLocked(scheduleID, recipientID string) (*models.DeliveryAttempt, error) {
	byRecipient, ok := s.attempts[scheduleID]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := byRecipient[recipientID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAttempts(ctx context.Context, scheduleID string) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range s.attempts[scheduleID] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (s *InMemoryStore) CountAttempts(ctx context.Context, scheduleID string) (models.ScheduleCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c models.ScheduleCounts
	for _, a := range s.attempts[scheduleID] {
		c.Total++
		switch a.Status {
		case models.AttemptStatusSent:
			c.Sent++
		case models.AttemptStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *InMemoryStore) GetGroup(ctx context.Context, id string) (*models.RecipientGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *InMemoryStore) GroupRecipients(ctx context.Context, groupID string) ([]models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Recipient
	for _, rid := range s.members[groupID] {
		if r, ok := s.recipients[rid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ID] = m
	return nil
}

func (s *InMemoryStore) CreateRecipient(ctx context.Context, r models.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = r
	return nil
}

func (s *InMemoryStore) CreateGroup(ctx context.Context, g models.RecipientGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return nil
}

func (s *InMemoryStore) AddGroupMember(ctx context.Context, groupID, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rid := range s.members[groupID] {
		if rid == recipientID {
			return nil
		}
	}
	s.members[groupID] = append(s.members[groupID], recipientID)
	return nil
}
