package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/source"
)

// processTask runs one delivery through the attempt state machine. Returning
// a RetryableError puts the delivery back on the queue; any other outcome has
// been persisted and the delivery is acknowledged.
func (p *Pool) processTask(ctx context.Context, t domain.Task) error {
	key := t.Key()
	if !p.claim(key) {
		p.logger.Debug("Task already in flight, dropping duplicate delivery",
			slog.String("job_id", t.JobID),
			slog.String("property_id", t.PropertyID),
			slog.String("source", t.Source),
		)
		return nil
	}
	defer p.release(key)

	attempt, err := p.cfg.Store.GetAttempt(ctx, t.JobID, t.PropertyID, t.Source)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			p.logger.Warn("Attempt not found, dropping task",
				slog.String("job_id", t.JobID),
				slog.String("property_id", t.PropertyID),
				slog.String("source", t.Source),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load attempt: %w", err))
	}

	if p.ownsStranded(attempt, t) {
		// an earlier run of this task moved the attempt to IN_PROGRESS and then
		// failed to write the outcome; hand it back without a charge
		attempt.LastErrorKind = domain.ErrorKindTransient
		attempt.LastError = "outcome not saved"
		attempt.NextEligibleAt = p.now()
		if err := p.transition(ctx, attempt, domain.AttemptRetrying); err != nil {
			return p.ignoreStale(err)
		}
		p.logger.Warn("Reclaimed attempt left in progress by this worker",
			slog.String("job_id", t.JobID),
			slog.String("property_id", t.PropertyID),
			slog.String("source", t.Source),
			slog.Int("revision", attempt.Revision),
		)
	} else if attempt.Revision != t.Revision || attempt.State.IsTerminal() {
		p.logger.Debug("Dropping stale task",
			slog.String("job_id", t.JobID),
			slog.String("property_id", t.PropertyID),
			slog.String("source", t.Source),
			slog.Int("task_revision", t.Revision),
			slog.Int("attempt_revision", attempt.Revision),
			slog.String("state", string(attempt.State)),
		)
		return nil
	}

	job, err := p.cfg.Store.GetJob(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}
	if job.Status == domain.JobStatusCancelled {
		return p.settle(ctx, attempt, domain.AttemptCancelled)
	}

	// delivered early, e.g. by a broker without a delay queue
	if now := p.now(); attempt.NextEligibleAt.After(now) {
		return p.enqueue(ctx, attempt.Task())
	}

	if !p.cfg.Breaker.Allow(t.Source) {
		return p.deferForCircuit(ctx, attempt)
	}

	return p.execute(ctx, attempt)
}

// ownsStranded reports whether the attempt is IN_PROGRESS under this pool's
// lease one revision past the task. The in-flight claim on the task key is
// held, so nothing in this pool is still running it.
func (p *Pool) ownsStranded(attempt *domain.SourceAttempt, t domain.Task) bool {
	return attempt.State == domain.AttemptInProgress &&
		attempt.LeaseOwner == p.cfg.WorkerID &&
		attempt.Revision == t.Revision+1
}

// deferForCircuit requeues the attempt for the probe window, or skips it when
// the window is further away than CircuitWaitMax
func (p *Pool) deferForCircuit(ctx context.Context, attempt *domain.SourceAttempt) error {
	now := p.now()
	state := p.cfg.Breaker.State(attempt.Source)
	attempt.LastErrorKind = domain.ErrorKindCircuitOpen
	attempt.LastError = fmt.Sprintf("circuit open for source %s", attempt.Source)

	probeAt := state.NextProbeAt
	if !probeAt.After(now) {
		// half-open with a probe already running
		probeAt = now.Add(p.cfg.RetryBaseDelay)
	}

	if probeAt.Sub(now) > p.cfg.CircuitWaitMax {
		p.logger.Warn("Circuit open, skipping attempt",
			slog.String("job_id", attempt.JobID),
			slog.String("property_id", attempt.PropertyID),
			slog.String("source", attempt.Source),
			slog.Time("next_probe_at", state.NextProbeAt),
		)
		attempt.NextEligibleAt = state.NextProbeAt
		return p.settle(ctx, attempt, domain.AttemptSkippedByCircuit)
	}

	attempt.NextEligibleAt = probeAt
	if err := p.transition(ctx, attempt, domain.AttemptPending); err != nil {
		return p.ignoreStale(err)
	}
	p.logger.Debug("Circuit open, deferring attempt",
		slog.String("job_id", attempt.JobID),
		slog.String("property_id", attempt.PropertyID),
		slog.String("source", attempt.Source),
		slog.Time("not_before", probeAt),
	)
	return p.enqueue(ctx, attempt.Task())
}

// execute performs the fetch. The breaker has admitted the request, so every
// path either reports an outcome or releases the probe slot.
func (p *Pool) execute(ctx context.Context, attempt *domain.SourceAttempt) error {
	src := attempt.Source
	adapter, err := p.cfg.Sources.Get(src)
	if err != nil {
		p.cfg.Breaker.Release(src)
		return p.failUnknownSource(ctx, attempt, err)
	}

	if err := p.cfg.Limiter.Wait(ctx, src); err != nil {
		p.cfg.Breaker.Release(src)
		return domain.NewRetryableError(fmt.Errorf("rate limiter wait interrupted: %w", err))
	}

	if err := p.begin(ctx, attempt); err != nil {
		p.cfg.Breaker.Release(src)
		return p.ignoreStale(err)
	}

	heartbeatDone := make(chan struct{})
	go p.sendLeaseHeartbeat(ctx, *attempt, heartbeatDone)
	defer close(heartbeatDone)

	p.logger.Info("Fetching images",
		slog.String("job_id", attempt.JobID),
		slog.String("property_id", attempt.PropertyID),
		slog.String("source", src),
		slog.Int("attempt", attempt.Attempts+1),
	)

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	images, fetchErr := adapter.Fetch(fetchCtx, attempt.PropertyID)
	cancel()

	if ctx.Err() != nil {
		// shutting down: hand the attempt back without charging it
		p.cfg.Breaker.Release(src)
		attempt.LastErrorKind = domain.ErrorKindTransient
		attempt.LastError = "interrupted by shutdown"
		attempt.NextEligibleAt = p.now()
		bg := context.WithoutCancel(ctx)
		if err := p.transition(bg, attempt, domain.AttemptRetrying); err != nil {
			return p.ignoreStale(err)
		}
		return p.enqueue(bg, attempt.Task())
	}

	kind := source.Classify(fetchErr)
	p.recordOutcome(ctx, src, kind)

	switch kind {
	case domain.ErrorKindNone:
		return p.succeed(ctx, attempt, images)

	case domain.ErrorKindRateLimited:
		// throttling is the limiter's job; it does not consume the attempt budget
		attempt.LastErrorKind = kind
		attempt.LastError = fetchErr.Error()
		attempt.NextEligibleAt = p.now().Add(p.cfg.Limiter.Delay(src))
		if err := p.transition(ctx, attempt, domain.AttemptPending); err != nil {
			return p.ignoreStale(err)
		}
		p.logger.Warn("Source rate limited, requeueing",
			slog.String("job_id", attempt.JobID),
			slog.String("property_id", attempt.PropertyID),
			slog.String("source", src),
			slog.Duration("delay", p.cfg.Limiter.Delay(src)),
		)
		return p.enqueue(ctx, attempt.Task())

	case domain.ErrorKindPermanent:
		attempt.Attempts++
		attempt.LastErrorKind = kind
		attempt.LastError = fetchErr.Error()
		return p.settle(ctx, attempt, domain.AttemptPermanentlyFailed)

	default:
		attempt.Attempts++
		attempt.LastErrorKind = kind
		attempt.LastError = fetchErr.Error()
		if attempt.Attempts >= p.cfg.MaxAttempts {
			p.logger.Warn("Attempt exceeded max attempts",
				slog.String("job_id", attempt.JobID),
				slog.String("property_id", attempt.PropertyID),
				slog.String("source", src),
				slog.Int("attempts", attempt.Attempts),
				slog.String("error", attempt.LastError),
			)
			return p.settle(ctx, attempt, domain.AttemptPermanentlyFailed)
		}

		delay := p.backoff(attempt.Attempts)
		attempt.NextEligibleAt = p.now().Add(delay)
		if err := p.transition(ctx, attempt, domain.AttemptRetrying); err != nil {
			return p.ignoreStale(err)
		}
		p.logger.Info("Attempt will be retried",
			slog.String("job_id", attempt.JobID),
			slog.String("property_id", attempt.PropertyID),
			slog.String("source", src),
			slog.String("error_kind", string(kind)),
			slog.Int("attempts", attempt.Attempts),
			slog.Duration("retry_after", delay),
		)
		return p.enqueue(ctx, attempt.Task())
	}
}

// failUnknownSource fails an attempt whose source has no adapter in this process
func (p *Pool) failUnknownSource(ctx context.Context, attempt *domain.SourceAttempt, cause error) error {
	if err := p.begin(ctx, attempt); err != nil {
		return p.ignoreStale(err)
	}
	attempt.Attempts++
	attempt.LastErrorKind = domain.ErrorKindPermanent
	attempt.LastError = cause.Error()
	return p.settle(ctx, attempt, domain.AttemptPermanentlyFailed)
}

func (p *Pool) succeed(ctx context.Context, attempt *domain.SourceAttempt, images []source.RawImage) error {
	kept, err := p.storeImages(ctx, attempt, images)
	if err != nil {
		// the fetch worked but results could not be stored; try again later
		// without charging the attempt
		attempt.LastErrorKind = domain.ErrorKindTransient
		attempt.LastError = err.Error()
		attempt.NextEligibleAt = p.now().Add(p.cfg.RetryBaseDelay)
		if tErr := p.transition(ctx, attempt, domain.AttemptRetrying); tErr != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to store images: %w", err))
		}
		p.logger.Error("Failed to store images, attempt will be retried",
			slog.String("job_id", attempt.JobID),
			slog.String("property_id", attempt.PropertyID),
			slog.String("source", attempt.Source),
			slog.String("error", err.Error()),
		)
		return p.enqueue(ctx, attempt.Task())
	}

	attempt.Attempts++
	attempt.ImageCount = kept
	attempt.LastErrorKind = domain.ErrorKindNone
	attempt.LastError = ""
	attempt.NextEligibleAt = time.Time{}
	p.logger.Info("Attempt succeeded",
		slog.String("job_id", attempt.JobID),
		slog.String("property_id", attempt.PropertyID),
		slog.String("source", attempt.Source),
		slog.Int("candidates", len(images)),
		slog.Int("kept", kept),
	)
	return p.settle(ctx, attempt, domain.AttemptSucceeded)
}

// recordOutcome feeds the breaker and limiter and persists the source health.
// A permanent error proves the source answered, so it counts as a success
// for the breaker. Throttling only slows the limiter down; the breaker never
// sees it, and a half-open probe slot it held is freed.
func (p *Pool) recordOutcome(ctx context.Context, src string, kind domain.ErrorKind) {
	switch kind {
	case domain.ErrorKindRateLimited:
		p.cfg.Breaker.Release(src)
		p.cfg.Limiter.RecordRateLimited(src)
	case domain.ErrorKindNone:
		p.cfg.Breaker.RecordOutcome(src, true)
		p.cfg.Limiter.RecordSuccess(src)
	default:
		p.cfg.Breaker.RecordOutcome(src, kind == domain.ErrorKindPermanent)
	}

	health := &domain.SourceHealth{
		Source:    src,
		Circuit:   p.cfg.Breaker.State(src),
		Rate:      p.cfg.Limiter.Snapshot(src),
		UpdatedAt: p.now(),
	}
	if err := p.cfg.Store.UpsertSourceHealth(ctx, health); err != nil {
		p.logger.Warn("Failed to persist source health",
			slog.String("source", src),
			slog.String("error", err.Error()),
		)
	}
}

// sendLeaseHeartbeat renews the lease on the IN_PROGRESS attempt until done
// is closed
func (p *Pool) sendLeaseHeartbeat(ctx context.Context, leased domain.SourceAttempt, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := p.now().Add(p.cfg.LeaseTTL)
			err := p.cfg.Store.ExtendLease(ctx, leased.JobID, leased.PropertyID, leased.Source,
				leased.Revision, p.cfg.WorkerID, until)
			if errors.Is(err, domain.ErrStaleAttempt) || errors.Is(err, domain.ErrAttemptNotFound) {
				// the attempt has already moved on
				return
			}
			if err != nil {
				p.logger.Warn("Failed to extend attempt lease",
					slog.String("job_id", leased.JobID),
					slog.String("property_id", leased.PropertyID),
					slog.String("source", leased.Source),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// backoff returns RetryBaseDelay * 2^(attempts-1), capped at RetryMaxDelay,
// with jitter drawn from [d/2, d]
func (p *Pool) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBaseDelay
	for i := 1; i < attempts && d < p.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.RetryMaxDelay {
		d = p.cfg.RetryMaxDelay
	}
	half := d / 2
	return half + time.Duration(p.random()*float64(d-half))
}

// transition moves the attempt to a new state and saves it against the
// revision it was read at
func (p *Pool) transition(ctx context.Context, attempt *domain.SourceAttempt, to domain.AttemptState) error {
	prev := attempt.Revision
	if err := attempt.Transition(to, p.now()); err != nil {
		return err
	}
	if err := p.cfg.Store.SaveAttempt(ctx, attempt, prev); err != nil {
		if errors.Is(err, domain.ErrStaleAttempt) || errors.Is(err, domain.ErrAttemptNotFound) {
			return err
		}
		return domain.NewRetryableError(err)
	}
	return nil
}

// begin moves the attempt to IN_PROGRESS under a lease held by this pool
func (p *Pool) begin(ctx context.Context, attempt *domain.SourceAttempt) error {
	attempt.LeaseOwner = p.cfg.WorkerID
	attempt.LeaseExpiresAt = p.now().Add(p.cfg.LeaseTTL)
	return p.transition(ctx, attempt, domain.AttemptInProgress)
}

// settle persists a terminal state and notifies OnSettled
func (p *Pool) settle(ctx context.Context, attempt *domain.SourceAttempt, to domain.AttemptState) error {
	if err := p.transition(ctx, attempt, to); err != nil {
		return p.ignoreStale(err)
	}
	if to != domain.AttemptSucceeded {
		p.logger.Info("Attempt settled",
			slog.String("job_id", attempt.JobID),
			slog.String("property_id", attempt.PropertyID),
			slog.String("source", attempt.Source),
			slog.String("state", string(to)),
			slog.String("error_kind", string(attempt.LastErrorKind)),
		)
	}
	if p.cfg.OnSettled != nil {
		p.cfg.OnSettled(attempt.JobID)
	}
	return nil
}

// ignoreStale drops the task when another writer moved the attempt on
func (p *Pool) ignoreStale(err error) error {
	if errors.Is(err, domain.ErrStaleAttempt) || errors.Is(err, domain.ErrAttemptNotFound) {
		p.logger.Debug("Attempt changed concurrently, dropping task", slog.String("error", err.Error()))
		return nil
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		p.logger.Error("Invalid attempt transition", slog.String("error", err.Error()))
		return nil
	}
	return err
}

func (p *Pool) enqueue(ctx context.Context, t domain.Task) error {
	if err := p.cfg.Queue.Enqueue(ctx, t); err != nil {
		// the attempt is persisted; recovery re-enqueues it if this is lost
		p.logger.Error("Failed to enqueue task",
			slog.String("job_id", t.JobID),
			slog.String("property_id", t.PropertyID),
			slog.String("source", t.Source),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
