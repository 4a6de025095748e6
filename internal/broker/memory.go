package broker

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the buffered channel size for the in-memory broker.
const DefaultMemoryCapacity = 1024

// MemoryBroker is an in-process channel-backed broker for single-binary
// deployments and tests.
type MemoryBroker struct {
	tasks  chan Task
	mu     sync.RWMutex
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an in-memory broker. A capacity of zero or less
// uses DefaultMemoryCapacity.
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryBroker{tasks: make(chan Task, capacity)}
}

// Enqueue appends a task. Blocks if the buffer is full. The read lock is held
// across the send so Close cannot close the channel underneath it.
func (b *MemoryBroker) Enqueue(ctx context.Context, task Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task arrives or the context is cancelled.
func (b *MemoryBroker) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-b.tasks:
		if !ok {
			return Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Close closes the underlying channel once in-flight enqueues have finished.
// Tasks already buffered are still drained by subsequent Dequeue calls.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.tasks)
	return nil
}
