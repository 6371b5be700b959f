package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/shared/rabbitmq"
)

// RabbitQueue carries tasks through RabbitMQ. Delayed tasks are parked in
// fixed-TTL delay queues and dead-lettered back onto the work queue; a task
// that comes back before it is due is enqueued again for the remainder.
type RabbitQueue struct {
	client        *rabbitmq.Client
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	closed     bool
	now        func() time.Time
}

// NewRabbitQueue creates a queue over a connected client
func NewRabbitQueue(client *rabbitmq.Client, consumerTag string, prefetchCount int, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		client:        client,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		logger:        logger,
		now:           time.Now,
	}
}

func (q *RabbitQueue) Enqueue(ctx context.Context, task domain.Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return domain.ErrQueueClosed
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if delay := task.NotBefore.Sub(q.now()); delay > 0 {
		if err := q.client.PublishDelayed(ctx, body, "application/json", delay); err != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to publish delayed task: %w", err))
		}
		return nil
	}
	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to publish task: %w", err))
	}
	return nil
}

// setupConsumer starts consuming on first use. Prefetch is applied to the
// channel when the client connects.
func (q *RabbitQueue) setupConsumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrQueueClosed
	}
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	deliveries, err := q.client.Consume(q.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	q.logger.Info("RabbitMQ task consumer started",
		slog.String("consumer_tag", q.consumerTag),
		slog.Int("prefetch_count", q.prefetchCount),
	)
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.setupConsumer()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				q.mu.Lock()
				q.deliveries = nil
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return nil, domain.ErrQueueClosed
				}
				return nil, domain.NewRetryableError(fmt.Errorf("rabbitmq delivery channel closed"))
			}

			task, err := decodeTask(d.Body)
			if err != nil {
				q.logger.Error("Dropping malformed task message",
					slog.String("error", err.Error()),
					slog.String("body", string(d.Body)),
				)
				// malformed messages go to the dead-letter exchange, if any
				if nackErr := d.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			delivery := d
			return &Delivery{
				Task: task,
				ack:  func() error { return delivery.Ack(false) },
				nack: func(requeue bool) error { return delivery.Nack(false, requeue) },
			}, nil
		}
	}
}

// decodeTask parses and validates a task message
func decodeTask(body []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return task, fmt.Errorf("failed to parse task JSON: %w", err)
	}
	if _, err := uuid.Parse(task.JobID); err != nil {
		return task, fmt.Errorf("invalid job_id %q: %w", task.JobID, err)
	}
	if task.PropertyID == "" || task.Source == "" {
		return task, fmt.Errorf("task for job %s is missing property_id or source", task.JobID)
	}
	return task, nil
}

// Close stops handing out deliveries. The client connection is owned by the caller.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
