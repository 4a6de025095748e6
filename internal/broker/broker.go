// Package broker queues dispatch tasks between the scheduler and the workers.
//
// Two implementations are provided: an in-process channel broker for
// single-binary deployments and tests, and a Redis list broker for running
// workers in separate processes. Both deliver each enqueued task to exactly
// one consumer; the claim step in the store guards against duplicates beyond
// that.
package broker

import (
	"context"
	"errors"
	"time"
)

// TaskKind identifies why a task was enqueued and which claim rule applies.
type TaskKind string

const (
	// TaskDispatch is a scheduler-enqueued task for a due pending schedule.
	TaskDispatch TaskKind = "dispatch"
	// TaskSendNow is an operator-requested immediate dispatch; it may claim
	// pending or failed schedules.
	TaskSendNow TaskKind = "send_now"
	// TaskResume re-dispatches a schedule stuck in processing. StuckBefore
	// carries the staleness cutoff used to re-claim it.
	TaskResume TaskKind = "resume"
)

// ErrClosed is returned by Dequeue after the broker has been closed.
var ErrClosed = errors.New("broker: closed")

// Task is one unit of dispatch work.
type Task struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	Kind        TaskKind   `json:"kind"`
	StuckBefore *time.Time `json:"stuck_before,omitempty"`
}

// Broker is a FIFO task queue with blocking consumption.
type Broker interface {
	// Enqueue appends a task to the queue.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available, the context is cancelled, or
	// the broker is closed.
	Dequeue(ctx context.Context) (Task, error)
	// Close releases broker resources and unblocks pending Dequeue calls.
	Close() error
}
