package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// delayedTasks is a min-heap of tasks ordered by NotBefore
type delayedTasks []domain.Task

func (h delayedTasks) Len() int           { return len(h) }
func (h delayedTasks) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h delayedTasks) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedTasks) Push(x any)        { *h = append(*h, x.(domain.Task)) }
func (h *delayedTasks) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// MemoryQueue is an in-process queue: a FIFO of ready tasks plus a heap of
// delayed ones. Queued tasks do not survive a restart; the state store does,
// and recovery re-enqueues unfinished work.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []domain.Task
	delayed delayedTasks
	changed chan struct{}
	closed  bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	return &MemoryQueue{
		changed: make(chan struct{}),
		now:     time.Now,
		logger:  logger,
	}
}

// broadcast wakes every waiting consumer. Caller holds q.mu.
func (q *MemoryQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if task.NotBefore.After(q.now()) {
		heap.Push(&q.delayed, task)
	} else {
		q.ready = append(q.ready, task)
	}
	q.broadcast()
	return nil
}

// promote moves due delayed tasks to the ready FIFO. Caller holds q.mu.
func (q *MemoryQueue) promote(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].NotBefore.After(now) {
		q.ready = append(q.ready, heap.Pop(&q.delayed).(domain.Task))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}

		now := q.now()
		q.promote(now)
		if len(q.ready) > 0 {
			task := q.ready[0]
			q.ready[0] = domain.Task{}
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return q.delivery(task), nil
		}

		wake := q.changed
		var timer *time.Timer
		var due <-chan time.Time
		if len(q.delayed) > 0 {
			timer = time.NewTimer(q.delayed[0].NotBefore.Sub(now))
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) delivery(task domain.Task) *Delivery {
	return &Delivery{
		Task: task,
		ack:  func() error { return nil },
		nack: func(requeue bool) error {
			if !requeue {
				q.logger.Warn("Task dropped from queue",
					slog.String("job_id", task.JobID),
					slog.String("property_id", task.PropertyID),
					slog.String("source", task.Source),
				)
				return nil
			}
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.closed {
				return domain.ErrQueueClosed
			}
			q.ready = append(q.ready, task)
			q.broadcast()
			return nil
		},
	}
}

// Len returns the number of ready and delayed tasks
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

// Close wakes all consumers; later calls return ErrQueueClosed
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}
