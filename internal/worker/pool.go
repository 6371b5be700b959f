package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/queue"
)

// spawnWorkerPool starts Concurrency goroutines. loopCtx stops dequeuing,
// taskCtx bounds in-flight work.
func (p *Pool) spawnWorkerPool(loopCtx, taskCtx context.Context) *errgroup.Group {
	g := &errgroup.Group{}
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerName := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		g.Go(func() error {
			return p.workerLoop(loopCtx, taskCtx, workerName)
		})
	}

	p.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", p.cfg.Concurrency),
	)
	return g
}

// workerLoop is the main processing loop for each worker goroutine
func (p *Pool) workerLoop(loopCtx, taskCtx context.Context, workerName string) error {
	p.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		d, err := p.cfg.Queue.Dequeue(loopCtx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				p.logger.Debug("Worker goroutine stopping - context canceled",
					slog.String("worker_name", workerName),
				)
				return nil
			case errors.Is(err, domain.ErrQueueClosed):
				p.logger.Debug("Worker goroutine stopping - queue closed",
					slog.String("worker_name", workerName),
				)
				return nil
			case domain.IsRetryable(err):
				p.logger.Warn("Dequeue failed, retrying",
					slog.String("worker_name", workerName),
					slog.String("error", err.Error()),
				)
				if !sleep(loopCtx, p.cfg.RetryBaseDelay) {
					return nil
				}
				continue
			default:
				return fmt.Errorf("%s: failed to dequeue: %w", workerName, err)
			}
		}

		p.handle(taskCtx, workerName, d)
	}
}

// handle processes one delivery and settles it with the queue
func (p *Pool) handle(ctx context.Context, workerName string, d *queue.Delivery) {
	t := d.Task
	err := p.processTask(ctx, t)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			p.logger.Error("Failed to ACK task",
				slog.String("worker_name", workerName),
				slog.String("job_id", t.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := domain.IsRetryable(err)
	p.logger.Error("Task processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", t.JobID),
		slog.String("property_id", t.PropertyID),
		slog.String("source", t.Source),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)
	if requeue {
		// give the failing dependency a moment before the redelivery
		sleep(ctx, p.cfg.RetryBaseDelay)
	}
	if nackErr := d.Nack(requeue); nackErr != nil {
		p.logger.Error("Failed to NACK task",
			slog.String("worker_name", workerName),
			slog.String("job_id", t.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// sleep waits for d, reporting false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
