package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryBrokerRoundTrip(t *testing.T) {
	b := NewMemoryBroker(4)
	defer b.Close()
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	in := Task{ID: "task_1", ScheduleID: "sch_1", Kind: TaskResume, StuckBefore: &cutoff}
	if err := b.Enqueue(ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != in.ID || out.ScheduleID != in.ScheduleID || out.Kind != in.Kind {
		t.Errorf("task mismatch: got %+v, want %+v", out, in)
	}
	if out.StuckBefore == nil || !out.StuckBefore.Equal(cutoff) {
		t.Errorf("cutoff not carried: %+v", out.StuckBefore)
	}
}

func TestMemoryBrokerFIFO(t *testing.T) {
	b := NewMemoryBroker(4)
	defer b.Close()
	ctx := context.Background()

	for _, id := range []string{"task_a", "task_b", "task_c"} {
		if err := b.Enqueue(ctx, Task{ID: id, Kind: TaskDispatch}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"task_a", "task_b", "task_c"} {
		got, err := b.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != want {
			t.Errorf("expected %s, got %s", want, got.ID)
		}
	}
}

func TestMemoryBrokerDequeueHonorsContext(t *testing.T) {
	b := NewMemoryBroker(1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx := context.Background()

	if err := b.Enqueue(ctx, Task{ID: "task_1", Kind: TaskDispatch}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is safe to call twice.
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	// Buffered tasks drain after close, then ErrClosed.
	if task, err := b.Dequeue(ctx); err != nil || task.ID != "task_1" {
		t.Errorf("expected buffered task after close, got %+v, %v", task, err)
	}
	if _, err := b.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	if err := b.Enqueue(ctx, Task{ID: "task_2"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on enqueue after close, got %v", err)
	}
}

// Closing while producers are enqueueing must never panic with a send on a
// closed channel; each enqueue either lands, times out, or sees ErrClosed.
func TestMemoryBrokerConcurrentEnqueueClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := NewMemoryBroker(1)
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
				defer cancel()
				if err := b.Enqueue(ctx, Task{ID: "task_1", Kind: TaskDispatch}); err != nil &&
					!errors.Is(err, ErrClosed) && !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("unexpected enqueue error: %v", err)
				}
			}()
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
	}
}
