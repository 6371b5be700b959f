// Package orchestrator turns a batch of property ids into persisted jobs and
// queued tasks, and answers progress, cancellation, resume and report
// requests from the state store.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/listing-extractor/internal/circuit"
	"github.com/cuongbtq/listing-extractor/internal/dedup"
	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/ratelimit"
	"github.com/cuongbtq/listing-extractor/internal/source"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// Config holds orchestrator dependencies
type Config struct {
	Logger  *slog.Logger
	Store   storage.Store
	Queue   queue.Queue
	Sources *source.Registry

	// optional; Recover restores persisted source health into them
	Breaker *circuit.Breaker
	Limiter *ratelimit.Limiter
	// optional; Purge drops purged properties from it
	Index *dedup.Index

	PollInterval time.Duration
	Now          func() time.Time
	NewID        func() string
}

// SubmitRequest describes one batch
type SubmitRequest struct {
	PropertyIDs    []string
	Sources        []string
	IdempotencyKey string // derived from the batch when empty
	Refresh        bool   // fetch again even if an earlier job already succeeded
}

// SubmitResult tells the caller which job serves the request
type SubmitResult struct {
	JobID   string
	Created bool // false when the idempotency key matched an existing job
	Reused  int  // attempts satisfied by earlier jobs
	Queued  int  // tasks put on the queue
}

// Orchestrator coordinates jobs. It holds no job state of its own.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// New validates the config and creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Sources == nil {
		return nil, fmt.Errorf("orchestrator requires a store, a queue and a source registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}, nil
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.Now().UTC()
}

// Submit creates a job for the batch, or returns the job already holding the
// idempotency key after re-enqueueing its incomplete work
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	props := uniqueTrimmed(req.PropertyIDs)
	sources := uniqueTrimmed(req.Sources)
	if len(props) == 0 || len(sources) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	for _, s := range sources {
		if !o.cfg.Sources.Has(s) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, s)
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = batchKey(props, sources)
		if req.Refresh {
			// a refresh is a new run by definition
			key += ":refresh:" + o.cfg.NewID()
		}
	}

	existing, err := o.cfg.Store.GetJobByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return o.resubmit(ctx, existing)
	case !errors.Is(err, domain.ErrJobNotFound):
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	now := o.now()
	job := &domain.BatchJob{
		ID:             o.cfg.NewID(),
		IdempotencyKey: key,
		PropertyIDs:    props,
		Sources:        sources,
		Status:         domain.JobStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	attempts, reused, err := o.initialAttempts(ctx, job, req.Refresh)
	if err != nil {
		return nil, err
	}

	if err := o.cfg.Store.CreateJob(ctx, job, attempts); err != nil {
		// lost a race with a concurrent submit of the same batch
		if other, getErr := o.cfg.Store.GetJobByIdempotencyKey(ctx, key); getErr == nil {
			return o.resubmit(ctx, other)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	o.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.Int("properties", len(props)),
		slog.Int("sources", len(sources)),
		slog.Int("reused", reused),
	)

	queued := 0
	for i := range attempts {
		a := &attempts[i]
		if a.State.IsTerminal() {
			continue
		}
		if err := o.cfg.Queue.Enqueue(ctx, a.Task()); err != nil {
			return nil, fmt.Errorf("failed to enqueue tasks for job %s: %w", job.ID, err)
		}
		queued++
	}

	if queued == 0 {
		if err := o.finalize(ctx, job); err != nil {
			return nil, err
		}
	}

	return &SubmitResult{JobID: job.ID, Created: true, Reused: reused, Queued: queued}, nil
}

// resubmit re-enqueues the incomplete attempts of an existing job
func (o *Orchestrator) resubmit(ctx context.Context, job *domain.BatchJob) (*SubmitResult, error) {
	res := &SubmitResult{JobID: job.ID}
	if job.Status.IsTerminal() {
		return res, nil
	}

	incomplete, err := o.cfg.Store.ListIncomplete(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete tasks: %w", err)
	}
	for _, pt := range incomplete {
		for _, a := range pt.Attempts {
			if a.State.IsTerminal() || a.State == domain.AttemptInProgress {
				continue
			}
			if err := o.cfg.Queue.Enqueue(ctx, a.Task()); err != nil {
				return nil, fmt.Errorf("failed to enqueue tasks for job %s: %w", job.ID, err)
			}
			res.Queued++
		}
	}

	o.logger.Info("Idempotent resubmission",
		slog.String("job_id", job.ID),
		slog.Int("requeued", res.Queued),
	)
	return res, nil
}

// initialAttempts builds one attempt per (property, source). Unless refresh
// is set, pairs that already succeeded in an earlier job are reused.
func (o *Orchestrator) initialAttempts(ctx context.Context, job *domain.BatchJob, refresh bool) ([]domain.SourceAttempt, int, error) {
	attempts := make([]domain.SourceAttempt, 0, job.TaskCount())
	reused := 0
	for _, p := range job.PropertyIDs {
		for _, s := range job.Sources {
			a := domain.SourceAttempt{
				JobID:      job.ID,
				PropertyID: p,
				Source:     s,
				State:      domain.AttemptPending,
				Revision:   1,
				UpdatedAt:  job.CreatedAt,
			}
			if !refresh {
				prev, err := o.cfg.Store.FindSucceededAttempt(ctx, p, s)
				switch {
				case err == nil:
					a.State = domain.AttemptSucceeded
					a.ReusedFromJob = prev.JobID
					a.ImageCount = prev.ImageCount
					reused++
				case !errors.Is(err, domain.ErrAttemptNotFound):
					return nil, 0, fmt.Errorf("failed to look up earlier results: %w", err)
				}
			}
			attempts = append(attempts, a)
		}
	}
	return attempts, reused, nil
}

// batchKey derives an idempotency key from the sorted batch contents
func batchKey(props, sources []string) string {
	p := append([]string(nil), props...)
	s := append([]string(nil), sources...)
	sort.Strings(p)
	sort.Strings(s)

	h := sha256.New()
	h.Write([]byte(strings.Join(p, "\x00")))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(s, "\x00")))
	return "batch-" + hex.EncodeToString(h.Sum(nil))
}

// uniqueTrimmed drops blanks and repeats, keeping first-seen order
func uniqueTrimmed(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
