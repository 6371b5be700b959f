package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// Cancel marks the job cancelled and cancels its queued attempts. Attempts
// already executing finish; workers drop any later delivery.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return domain.ErrJobTerminal
	}

	job.Status = domain.JobStatusCancelled
	job.UpdatedAt = o.now()
	if err := o.cfg.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	incomplete, err := o.cfg.Store.ListIncomplete(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list incomplete tasks: %w", err)
	}

	cancelled, inFlight := 0, 0
	for _, pt := range incomplete {
		for _, a := range pt.Attempts {
			if a.State.IsTerminal() {
				continue
			}
			if a.State == domain.AttemptInProgress {
				inFlight++
				continue
			}
			att := a
			if err := o.moveAttempt(ctx, &att, domain.AttemptCancelled); err != nil {
				if errors.Is(err, domain.ErrStaleAttempt) {
					// a worker got there first; its next delivery sees the cancelled job
					continue
				}
				return fmt.Errorf("failed to cancel attempt: %w", err)
			}
			cancelled++
		}
	}

	o.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.Int("cancelled_attempts", cancelled),
		slog.Int("in_flight", inFlight),
	)

	o.notify(jobID)
	_, err = o.checkCompletion(ctx, jobID)
	return err
}

// ResumeJob puts the job's cancelled, circuit-skipped and unfinished attempts
// back on the queue and returns how many were queued
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) (int, error) {
	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	tasks, err := o.cfg.Store.ListPropertyTasks(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	var resumable []domain.SourceAttempt
	for _, pt := range tasks {
		for _, a := range pt.Attempts {
			if a.State.IsResumable() && a.State != domain.AttemptInProgress {
				resumable = append(resumable, a)
			}
		}
	}
	if len(resumable) == 0 {
		return 0, nil
	}

	// the job goes back to running first so workers do not cancel the resumed attempts
	if job.Status != domain.JobStatusRunning {
		job.Status = domain.JobStatusRunning
		job.CompletedAt = time.Time{}
		job.UpdatedAt = o.now()
		if err := o.cfg.Store.UpdateJob(ctx, job); err != nil {
			return 0, fmt.Errorf("failed to resume job: %w", err)
		}
	}

	queued := 0
	for i := range resumable {
		a := &resumable[i]
		if a.State.IsTerminal() {
			a.NextEligibleAt = time.Time{}
			if err := o.moveAttempt(ctx, a, domain.AttemptPending); err != nil {
				if errors.Is(err, domain.ErrStaleAttempt) {
					continue
				}
				return queued, fmt.Errorf("failed to resume attempt: %w", err)
			}
		}
		if err := o.cfg.Queue.Enqueue(ctx, a.Task()); err != nil {
			return queued, fmt.Errorf("failed to enqueue tasks for job %s: %w", jobID, err)
		}
		queued++
	}

	o.logger.Info("Job resumed",
		slog.String("job_id", jobID),
		slog.Int("queued", queued),
	)
	return queued, nil
}

// Recover restores persisted source health and re-enqueues the incomplete
// work of every unfinished job. Attempts left IN_PROGRESS under an expired
// lease become RETRYING without being charged; attempts another live worker
// still leases are left to it. It returns the number of tasks queued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if err := o.RestoreSourceHealth(ctx); err != nil {
		return 0, err
	}

	jobs, total, err := o.recoverJobs(ctx, true)
	if err != nil {
		return total, err
	}

	o.logger.Info("Recovery finished",
		slog.Int("jobs", jobs),
		slog.Int("requeued", total),
	)
	return total, nil
}

// ReclaimExpired re-enqueues only the IN_PROGRESS attempts whose lease
// expired, such as those of a worker that died while others keep running.
func (o *Orchestrator) ReclaimExpired(ctx context.Context) (int, error) {
	_, total, err := o.recoverJobs(ctx, false)
	if total > 0 {
		o.logger.Info("Reclaimed attempts with expired leases", slog.Int("requeued", total))
	}
	return total, err
}

// RunLeaseSweeper calls ReclaimExpired every interval until ctx is done
func (o *Orchestrator) RunLeaseSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Debug("Lease sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("Lease sweeper stopped")
			return
		case <-ticker.C:
			if _, err := o.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Failed to reclaim expired leases", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) recoverJobs(ctx context.Context, requeueWaiting bool) (int, int, error) {
	jobs, err := o.cfg.Store.ListJobs(ctx, storage.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusCancelled},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	total := 0
	for i := range jobs {
		n, err := o.recoverJob(ctx, &jobs[i], requeueWaiting)
		if err != nil {
			return len(jobs), total, err
		}
		total += n
	}
	return len(jobs), total, nil
}

// recoverJob reclaims the job's expired IN_PROGRESS attempts and, when
// requeueWaiting is set, re-enqueues its PENDING and RETRYING ones too
func (o *Orchestrator) recoverJob(ctx context.Context, job *domain.BatchJob, requeueWaiting bool) (int, error) {
	incomplete, err := o.cfg.Store.ListIncomplete(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete tasks for job %s: %w", job.ID, err)
	}

	now := o.now()
	queued, reclaimed := 0, 0
	for _, pt := range incomplete {
		for _, a := range pt.Attempts {
			if a.State.IsTerminal() {
				continue
			}
			att := a
			if att.State == domain.AttemptInProgress {
				if !att.LeaseExpired(now) {
					continue
				}
				att.LastErrorKind = domain.ErrorKindTransient
				att.LastError = "interrupted"
				att.NextEligibleAt = now
				if err := o.moveAttempt(ctx, &att, domain.AttemptRetrying); err != nil {
					if errors.Is(err, domain.ErrStaleAttempt) {
						continue
					}
					return queued, fmt.Errorf("failed to recover attempt: %w", err)
				}
				reclaimed++
				o.logger.Warn("Reclaimed attempt with expired lease",
					slog.String("job_id", att.JobID),
					slog.String("property_id", att.PropertyID),
					slog.String("source", att.Source),
					slog.String("lease_owner", a.LeaseOwner),
				)
			} else if !requeueWaiting {
				continue
			}

			if job.Status == domain.JobStatusCancelled {
				if err := o.moveAttempt(ctx, &att, domain.AttemptCancelled); err != nil && !errors.Is(err, domain.ErrStaleAttempt) {
					return queued, fmt.Errorf("failed to cancel attempt: %w", err)
				}
				continue
			}

			if err := o.cfg.Queue.Enqueue(ctx, att.Task()); err != nil {
				return queued, fmt.Errorf("failed to enqueue tasks for job %s: %w", job.ID, err)
			}
			queued++
		}
	}

	if queued == 0 && (requeueWaiting || reclaimed > 0) {
		if _, err := o.checkCompletion(ctx, job.ID); err != nil {
			return 0, err
		}
	}
	if queued > 0 {
		o.logger.Info("Job recovered",
			slog.String("job_id", job.ID),
			slog.Int("requeued", queued),
		)
	}
	return queued, nil
}

// Purge deletes a finished job and its records. Stored image blobs are
// content-addressed and may be shared, so they are left in place.
func (o *Orchestrator) Purge(ctx context.Context, jobID string) error {
	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return domain.ErrJobNotTerminal
	}
	incomplete, err := o.cfg.Store.ListIncomplete(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list incomplete tasks: %w", err)
	}
	if len(incomplete) > 0 {
		return domain.ErrJobNotTerminal
	}

	if err := o.cfg.Store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to purge job: %w", err)
	}
	if o.cfg.Index != nil {
		for _, p := range job.PropertyIDs {
			o.cfg.Index.Forget(p)
		}
	}

	o.logger.Info("Job purged", slog.String("job_id", jobID))
	return nil
}

// RestoreSourceHealth loads persisted breaker and pacing state
func (o *Orchestrator) RestoreSourceHealth(ctx context.Context) error {
	if o.cfg.Breaker == nil && o.cfg.Limiter == nil {
		return nil
	}
	health, err := o.cfg.Store.ListSourceHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load source health: %w", err)
	}
	for _, h := range health {
		if o.cfg.Breaker != nil {
			o.cfg.Breaker.Restore(h.Circuit)
		}
		if o.cfg.Limiter != nil {
			o.cfg.Limiter.Restore(h.Rate)
		}
	}
	if len(health) > 0 {
		o.logger.Info("Source health restored", slog.Int("sources", len(health)))
	}
	return nil
}

// HandleSettled is the worker pool's settle hook: it wakes waiters and
// finalizes the job once its last attempt is terminal
func (o *Orchestrator) HandleSettled(jobID string) {
	o.notify(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.checkCompletion(ctx, jobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		o.logger.Warn("Failed to check job completion",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// checkCompletion finalizes the job if no attempt is left to run, reporting
// whether the job is finished
func (o *Orchestrator) checkCompletion(ctx context.Context, jobID string) (bool, error) {
	incomplete, err := o.cfg.Store.ListIncomplete(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to list incomplete tasks: %w", err)
	}
	if len(incomplete) > 0 {
		return false, nil
	}

	job, err := o.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() && !job.CompletedAt.IsZero() {
		return true, nil
	}
	return true, o.finalize(ctx, job)
}

// finalize records the job's terminal status: COMPLETED when every attempt
// succeeded, PARTIALLY_FAILED otherwise. A cancelled job stays cancelled.
func (o *Orchestrator) finalize(ctx context.Context, job *domain.BatchJob) error {
	if job.Status != domain.JobStatusCancelled {
		tasks, err := o.cfg.Store.ListPropertyTasks(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		status := domain.JobStatusCompleted
		for _, pt := range tasks {
			for _, a := range pt.Attempts {
				if a.State != domain.AttemptSucceeded {
					status = domain.JobStatusPartiallyFailed
				}
			}
		}
		job.Status = status
	}

	now := o.now()
	job.CompletedAt = now
	job.UpdatedAt = now
	if err := o.cfg.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	o.logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	o.notify(job.ID)
	return nil
}

// moveAttempt transitions the attempt and saves it against the revision it was read at
func (o *Orchestrator) moveAttempt(ctx context.Context, a *domain.SourceAttempt, to domain.AttemptState) error {
	prev := a.Revision
	if err := a.Transition(to, o.now()); err != nil {
		return err
	}
	return o.cfg.Store.SaveAttempt(ctx, a, prev)
}
