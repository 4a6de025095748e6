// Package control implements the operator-facing schedule operations.
//
// It sits between the HTTP handlers and the store: validation and task
// enqueueing live here, while all status guards are enforced by conditional
// store updates so operations stay safe against concurrent dispatch.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
	"github.com/beborico1/whatsapp-scheduler/internal/util"
)

// Controller exposes the schedule lifecycle operations.
type Controller struct {
	st store.Store
	bk broker.Broker
}

// New creates a controller.
func New(st store.Store, bk broker.Broker) *Controller {
	return &Controller{st: st, bk: bk}
}

// Create validates and persists a new schedule in pending status. The
// scheduled time must be in the future and both the message and the group
// must exist; membership itself is resolved later, at dispatch time.
func (c *Controller) Create(ctx context.Context, messageID, groupID string, scheduledTime time.Time) (*models.Schedule, error) {
	if !scheduledTime.After(time.Now().UTC()) {
		return nil, models.ErrPastScheduleTime
	}
	if _, err := c.st.GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrUnknownMessage
		}
		return nil, fmt.Errorf("Controller.Create: resolve message: %w", err)
	}
	if _, err := c.st.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrUnknownGroup
		}
		return nil, fmt.Errorf("Controller.Create: resolve group: %w", err)
	}

	sched := models.Schedule{
		ID:            util.GenerateScheduleID(),
		MessageID:     messageID,
		GroupID:       groupID,
		ScheduledTime: scheduledTime.UTC(),
		Status:        models.ScheduleStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.st.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("Controller.Create: persist schedule: %w", err)
	}
	slog.Info("Controller.Create: schedule created", "schedule_id", sched.ID, "scheduled_time", sched.ScheduledTime)
	return &sched, nil
}

// Cancel cancels a pending schedule. Any other status, including a dispatch
// already in flight, yields store.ErrConflict.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	if err := c.st.CancelSchedule(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	slog.Info("Controller.Cancel: schedule cancelled", "schedule_id", id)
	return nil
}

// SendNow requests immediate dispatch of a pending or failed schedule. The
// schedule stays in its current status until a worker claims it; the send_now
// claim rule accepts both pending and failed.
func (c *Controller) SendNow(ctx context.Context, id string) error {
	sched, err := c.st.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status != models.ScheduleStatusPending && sched.Status != models.ScheduleStatusFailed {
		return fmt.Errorf("schedule %s is %s: %w", id, sched.Status, store.ErrConflict)
	}

	task := broker.Task{
		ID:         util.GenerateTaskID(),
		ScheduleID: id,
		Kind:       broker.TaskSendNow,
	}
	if err := c.st.RecordDispatchTask(ctx, id, task.ID); err != nil {
		return fmt.Errorf("Controller.SendNow: record task: %w", err)
	}
	if err := c.bk.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("Controller.SendNow: enqueue task: %w", err)
	}
	slog.Info("Controller.SendNow: send-now task enqueued", "schedule_id", id, "task_id", task.ID)
	return nil
}

// Archive moves a terminal schedule into the archive. Archiving an already
// archived schedule is a no-op; non-terminal statuses yield store.ErrConflict.
func (c *Controller) Archive(ctx context.Context, id string) error {
	if err := c.st.ArchiveSchedule(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	slog.Info("Controller.Archive: schedule archived", "schedule_id", id)
	return nil
}

// Delete removes a cancelled or failed schedule and its delivery attempts.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.st.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	slog.Info("Controller.Delete: schedule deleted", "schedule_id", id)
	return nil
}
