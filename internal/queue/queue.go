package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Queue names used by the scene pipeline. One RateLimitedQueue exists per
// external resource so each API's throughput limit is respected independently.
const (
	NameImage = "image"
	NameAudio = "audio"
	NameVideo = "video"
	NameClip  = "clip"
)

// Task is one unit of work. Its error is logged and otherwise ignored by the queue;
// callers that care about the outcome record it themselves.
type Task func(ctx context.Context) error

type item struct {
	ctx  context.Context
	task Task
}

// RateLimitedQueue runs tasks one at a time in submission order, waiting at
// least delay between the end of one task and the start of the next.
//
// It is a best-effort in-memory throttle: no priorities, no persistence. A task
// whose context is already done when it reaches the head is skipped.
type RateLimitedQueue struct {
	name  string
	delay time.Duration

	mu       sync.Mutex
	pending  []item
	draining bool
	idle     chan struct{} // closed while not draining

	after func(time.Duration) <-chan time.Time
}

func NewRateLimitedQueue(name string, delay time.Duration) *RateLimitedQueue {
	idle := make(chan struct{})
	close(idle)
	return &RateLimitedQueue{
		name:  name,
		delay: delay,
		idle:  idle,
		after: time.After,
	}
}

func (q *RateLimitedQueue) Name() string { return q.name }

// Enqueue appends task and returns immediately. If the queue is not already
// draining a drain goroutine is started; otherwise the running one picks the
// task up on a later iteration.
func (q *RateLimitedQueue) Enqueue(ctx context.Context, task Task) {
	q.mu.Lock()
	q.pending = append(q.pending, item{ctx: ctx, task: task})
	start := !q.draining
	if start {
		q.draining = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Len returns the number of tasks waiting to start.
func (q *RateLimitedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Idle returns a channel that is closed once the queue has nothing left to run.
func (q *RateLimitedQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *RateLimitedQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(next)

		<-q.after(q.delay)
	}
}

func (q *RateLimitedQueue) run(it item) {
	if err := it.ctx.Err(); err != nil {
		log.Warn().Str("queue", q.name).Err(err).Msg("[Queue] skipping task, context done")
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return it.task(it.ctx)
	}()

	if err != nil {
		log.Warn().Str("queue", q.name).Err(err).Dur("took", time.Since(start)).Msg("[Queue] task failed")
		return
	}
	log.Debug().Str("queue", q.name).Dur("took", time.Since(start)).Msg("[Queue] task done")
}
