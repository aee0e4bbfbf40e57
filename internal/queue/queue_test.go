package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q *RateLimitedQueue) {
	t.Helper()
	select {
	case <-q.Idle():
	case <-time.After(5 * time.Second):
		t.Fatalf("queue %s did not drain", q.Name())
	}
}

func TestQueueOrderAndSpacing(t *testing.T) {
	const delay = 20 * time.Millisecond
	q := NewRateLimitedQueue("test", delay)

	var (
		mu     sync.Mutex
		order  []int
		starts []time.Time
		ends   []time.Time
	)

	for i := 0; i < 5; i++ {
		i := i
		q.Enqueue(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			order = append(order, i)
			ends = append(ends, time.Now())
			mu.Unlock()
			return nil
		})
	}

	waitIdle(t, q)

	if len(order) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks out of order: %v", order)
		}
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(ends[i-1]); gap < delay {
			t.Errorf("task %d started %v after previous ended, want >= %v", i, gap, delay)
		}
		if gap := starts[i].Sub(starts[i-1]); gap < delay {
			t.Errorf("task %d started %v after previous started, want >= %v", i, gap, delay)
		}
	}
}

func TestQueueNeverOverlaps(t *testing.T) {
	q := NewRateLimitedQueue("overlap", time.Millisecond)

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)

	for i := 0; i < 10; i++ {
		q.Enqueue(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}

	waitIdle(t, q)

	if maxSeen != 1 {
		t.Errorf("expected at most one running task, saw %d", maxSeen)
	}
}

func TestQueueIsolation(t *testing.T) {
	a := NewRateLimitedQueue("a", 10*time.Millisecond)
	b := NewRateLimitedQueue("b", 10*time.Millisecond)

	var (
		mu   sync.Mutex
		done []string
	)
	record := func(name string) {
		mu.Lock()
		done = append(done, name)
		mu.Unlock()
	}

	a.Enqueue(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		record("a1")
		return nil
	})
	b.Enqueue(context.Background(), func(ctx context.Context) error {
		record("b1")
		return nil
	})

	waitIdle(t, a)
	waitIdle(t, b)

	if len(done) != 2 || done[0] != "b1" {
		t.Errorf("expected b1 to finish before a1, got %v", done)
	}
}

func TestQueueSurvivesFailures(t *testing.T) {
	q := NewRateLimitedQueue("failing", time.Millisecond)

	var ran []int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			switch i {
			case 0:
				return errors.New("generation failed")
			case 1:
				panic("unexpected")
			}
			return nil
		})
	}

	waitIdle(t, q)

	if len(ran) != 3 {
		t.Errorf("expected all 3 tasks to run, got %v", ran)
	}
}

func TestQueueEnqueueWhileDraining(t *testing.T) {
	q := NewRateLimitedQueue("reentrant", time.Millisecond)

	var mu sync.Mutex
	var ran []string

	q.Enqueue(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "first")
		mu.Unlock()
		q.Enqueue(ctx, func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, "second")
			mu.Unlock()
			return nil
		})
		return nil
	})

	// Give the nested enqueue time to land before waiting on idle.
	time.Sleep(20 * time.Millisecond)
	waitIdle(t, q)

	if len(ran) != 2 || ran[1] != "second" {
		t.Errorf("expected nested task to run, got %v", ran)
	}
}

func TestQueueSkipsCancelledTasks(t *testing.T) {
	q := NewRateLimitedQueue("cancel", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	q.Enqueue(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})

	waitIdle(t, q)

	if ran {
		t.Error("cancelled task should not run")
	}
}
