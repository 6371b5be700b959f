// Package queue carries extraction tasks from the orchestrator to the worker pool.
package queue

import (
	"context"
	"sync"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// Queue is a task queue with delayed delivery. Delivery is at-least-once:
// consumers must tolerate duplicates, which tasks make detectable through
// their revision.
type Queue interface {
	// Enqueue schedules a task; it is not delivered before task.NotBefore
	Enqueue(ctx context.Context, task domain.Task) error
	// Dequeue blocks until a task is ready, ctx is done or the queue is closed
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one dequeued task awaiting acknowledgement
type Delivery struct {
	Task domain.Task

	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the task was handled
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// Nack rejects the task, putting it back on the queue when requeue is set
func (d *Delivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(requeue)
		}
	})
	return err
}
