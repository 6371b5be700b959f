package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/circuit"
	"github.com/cuongbtq/listing-extractor/internal/dedup"
	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/ratelimit"
	"github.com/cuongbtq/listing-extractor/internal/source"
	"github.com/cuongbtq/listing-extractor/internal/storage"
	"github.com/cuongbtq/listing-extractor/internal/worker"
)

type countingAdapter struct {
	source.Adapter
	calls atomic.Int32
}

func (c *countingAdapter) Fetch(ctx context.Context, propertyID string) ([]source.RawImage, error) {
	c.calls.Add(1)
	return c.Adapter.Fetch(ctx, propertyID)
}

type failingAdapter struct {
	name string
}

func (f failingAdapter) Name() string { return f.name }

func (f failingAdapter) Fetch(context.Context, string) ([]source.RawImage, error) {
	return nil, source.Transient(errors.New("upstream unavailable"))
}

func mock(name string) *countingAdapter {
	return &countingAdapter{Adapter: source.NewMockAdapter(source.MockAdapterOptions{Name: name, ImageCount: 6})}
}

// env is one process: orchestrator, queue and worker pool over a store that
// may outlive it
type env struct {
	store   storage.Store
	blobDir string
	queue   *queue.MemoryQueue
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	index   *dedup.Index
	orch    *Orchestrator
	pool    *worker.Pool
}

func newEnv(t *testing.T, store storage.Store, adapters ...source.Adapter) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	if store == nil {
		var err error
		store, err = storage.NewFileStore(t.TempDir(), logger)
		require.NoError(t, err)
	}

	reg := source.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a, 0))
	}

	e := &env{
		store:   store,
		blobDir: t.TempDir(),
		queue:   queue.NewMemoryQueue(logger),
		breaker: circuit.New(circuit.Config{
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			Cooldown:         5 * time.Minute,
			MaxCooldown:      time.Hour,
			Logger:           logger,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			MinDelay: time.Millisecond,
			MaxDelay: 10 * time.Millisecond,
			Logger:   logger,
		}),
	}

	var err error
	e.index, err = dedup.New(dedup.Config{
		Threshold: 10, SmallSetSize: 5, SmallSetRelax: 2,
		Priorities: reg.Priorities(),
		Loader:     store,
		Logger:     logger,
	})
	require.NoError(t, err)

	e.orch, err = New(Config{
		Logger:       logger,
		Store:        store,
		Queue:        e.queue,
		Sources:      reg,
		Breaker:      e.breaker,
		Limiter:      e.limiter,
		Index:        e.index,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	blobs, err := storage.NewBlobStore(e.blobDir)
	require.NoError(t, err)

	e.pool, err = worker.NewPool(worker.Config{
		Logger:         logger,
		Store:          store,
		Queue:          e.queue,
		Sources:        reg,
		Breaker:        e.breaker,
		Limiter:        e.limiter,
		Index:          e.index,
		Blobs:          blobs,
		Manifest:       worker.NewLogSink(logger),
		Concurrency:    4,
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		CircuitWaitMax: time.Minute,
		OnSettled:      e.orch.HandleSettled,
	})
	require.NoError(t, err)
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = e.pool.Stop()
	})
}

func (e *env) await(t *testing.T, jobID string) *domain.BatchReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	report, err := e.orch.AwaitCompletion(ctx, jobID)
	require.NoError(t, err)
	return report
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, nil, mock("a"))
	ctx := context.Background()

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{name: "no properties", req: SubmitRequest{Sources: []string{"a"}}, wantErr: domain.ErrEmptyBatch},
		{name: "blank properties", req: SubmitRequest{PropertyIDs: []string{" ", ""}, Sources: []string{"a"}}, wantErr: domain.ErrEmptyBatch},
		{name: "no sources", req: SubmitRequest{PropertyIDs: []string{"p1"}}, wantErr: domain.ErrEmptyBatch},
		{name: "unknown source", req: SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a", "nope"}}, wantErr: domain.ErrUnknownSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orch.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmit_IdempotentResubmission(t *testing.T) {
	e := newEnv(t, nil, mock("a"), mock("b"))
	ctx := context.Background()

	first, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2", "p1"}, Sources: []string{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 4, first.Queued)

	job, err := e.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, job.PropertyIDs, "repeated ids are dropped")

	// same batch in a different order
	second, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p2", "p1"}, Sources: []string{"b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, second.Created)
	assert.Equal(t, 4, second.Queued, "incomplete work is re-enqueued")

	jobs, err := e.orch.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	third, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a", "b"}, IdempotencyKey: "other"})
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, third.JobID)

	// duplicates in the queue are harmless once the pool runs
	e.start(t)
	report := e.await(t, first.JobID)
	assert.Equal(t, domain.JobStatusCompleted, report.Status)

	again, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, first.JobID, again.JobID)
	assert.Equal(t, 0, again.Queued)
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	a, b := mock("a"), mock("b")
	e := newEnv(t, nil, a, b)
	e.start(t)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a", "b"}})
	require.NoError(t, err)

	report := e.await(t, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, report.Status)
	assert.False(t, report.CompletedAt.IsZero())
	assert.Equal(t, 2, report.Totals.Properties)
	assert.Equal(t, 2, report.Totals.Complete)
	assert.Equal(t, 24, report.Totals.KeptImages+report.Totals.Duplicates)
	require.NotEmpty(t, report.Manifest)
	assert.Len(t, report.Manifest, report.Totals.KeptImages)

	perProperty := 0
	for _, p := range report.Properties {
		assert.Equal(t, domain.OutcomeComplete, p.Outcome)
		assert.ElementsMatch(t, []string{"a", "b"}, p.Succeeded)
		perProperty += p.ImageCount
	}
	assert.Equal(t, report.Totals.KeptImages, perProperty)

	for _, m := range report.Manifest {
		_, err := os.Stat(m.StorageLocation)
		assert.NoError(t, err, "manifest points at a stored blob")
		assert.Len(t, m.Fingerprint, 16)
	}

	progress, err := e.orch.Progress(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 4, progress.Completed)
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 2, progress.PerSource["a"].Succeeded)

	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestOrchestrator_ReusesEarlierResults(t *testing.T) {
	a := mock("a")
	e := newEnv(t, nil, a)
	e.start(t)
	ctx := context.Background()

	first, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}, IdempotencyKey: "one"})
	require.NoError(t, err)
	firstReport := e.await(t, first.JobID)

	second, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}, IdempotencyKey: "two"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Reused)
	assert.Equal(t, 0, second.Queued)

	secondReport, err := e.orch.Report(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, secondReport.Status, "a fully reused job finishes at submit")
	assert.Equal(t, firstReport.Manifest, secondReport.Manifest)
	assert.Equal(t, int32(1), a.calls.Load())

	att, err := e.store.GetAttempt(ctx, second.JobID, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, att.ReusedFromJob)

	refreshed, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}, Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 0, refreshed.Reused)
	e.await(t, refreshed.JobID)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestOrchestrator_CancelAndResume(t *testing.T) {
	a := mock("a")
	e := newEnv(t, nil, a)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, e.orch.Cancel(ctx, res.JobID))
	assert.ErrorIs(t, e.orch.Cancel(ctx, res.JobID), domain.ErrJobTerminal)

	progress, err := e.orch.Progress(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, progress.Status)
	assert.Equal(t, 2, progress.PerSource["a"].Cancelled)

	job, err := e.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.False(t, job.CompletedAt.IsZero())

	// the tasks queued before the cancel are stale now
	e.start(t)
	require.Eventually(t, func() bool { return e.queue.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), a.calls.Load())

	n, err := e.orch.ResumeJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	report := e.await(t, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, report.Status)
	assert.Equal(t, int32(2), a.calls.Load())

	n, err = e.orch.ResumeJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing left to resume")
}

func TestOrchestrator_RecoverAfterCrash(t *testing.T) {
	crashed := newEnv(t, nil, mock("a"), mock("b"))
	ctx := context.Background()

	res, err := crashed.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a", "b"}})
	require.NoError(t, err)

	// one attempt was executing when the process died
	att, err := crashed.store.GetAttempt(ctx, res.JobID, "p1", "a")
	require.NoError(t, err)
	require.NoError(t, att.Transition(domain.AttemptInProgress, time.Now()))
	require.NoError(t, crashed.store.UpsertAttempt(ctx, att))

	require.NoError(t, crashed.store.UpsertSourceHealth(ctx, &domain.SourceHealth{
		Source: "b",
		Circuit: domain.CircuitState{
			Source: "b", State: domain.CircuitOpen, Trips: 1,
			NextProbeAt: time.Now().Add(time.Second),
		},
	}))

	// a fresh process over the same store, with an empty queue
	a, b := mock("a"), mock("b")
	fresh := newEnv(t, crashed.store, a, b)
	queued, err := fresh.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, queued)
	assert.Equal(t, domain.CircuitOpen, fresh.breaker.State("b").State, "breaker state survives the restart")

	interrupted, err := fresh.store.GetAttempt(ctx, res.JobID, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptRetrying, interrupted.State)
	assert.Equal(t, "interrupted", interrupted.LastError)
	assert.Equal(t, 0, interrupted.Attempts)

	fresh.start(t)
	report := fresh.await(t, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, report.Status)

	done, err := fresh.store.GetAttempt(ctx, res.JobID, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, done.Attempts, "the interrupted run is not charged")
	assert.Equal(t, domain.CircuitClosed, fresh.breaker.State("b").State, "probe succeeded")
}

// leaseAttempt marks the attempt IN_PROGRESS under owner until the given time
func leaseAttempt(t *testing.T, store storage.Store, jobID, propertyID, src, owner string, until time.Time) {
	t.Helper()
	ctx := context.Background()
	att, err := store.GetAttempt(ctx, jobID, propertyID, src)
	require.NoError(t, err)
	if att.State != domain.AttemptInProgress {
		require.NoError(t, att.Transition(domain.AttemptInProgress, time.Now()))
	}
	att.LeaseOwner = owner
	att.LeaseExpiresAt = until
	require.NoError(t, store.UpsertAttempt(ctx, att))
}

func TestOrchestrator_RecoverLeavesLiveLeases(t *testing.T) {
	first := newEnv(t, nil, mock("a"))
	ctx := context.Background()

	res, err := first.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a"}})
	require.NoError(t, err)
	leaseAttempt(t, first.store, res.JobID, "p1", "a", "replica-live", time.Now().Add(time.Minute))
	leaseAttempt(t, first.store, res.JobID, "p2", "a", "replica-dead", time.Now().Add(-time.Second))

	// a second replica starting over the same store
	second := newEnv(t, first.store, mock("a"))
	queued, err := second.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, second.queue.Len())

	live, err := second.store.GetAttempt(ctx, res.JobID, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptInProgress, live.State)
	assert.Equal(t, "replica-live", live.LeaseOwner)

	dead, err := second.store.GetAttempt(ctx, res.JobID, "p2", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptRetrying, dead.State)
	assert.Empty(t, dead.LeaseOwner)
	assert.Equal(t, 0, dead.Attempts)

	// the live lease lapses; the sweep picks up only that attempt
	leaseAttempt(t, first.store, res.JobID, "p1", "a", "replica-live", time.Now().Add(-time.Second))
	reclaimed, err := second.orch.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 2, second.queue.Len(), "waiting attempts are not queued twice")

	again, err := second.orch.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestOrchestrator_LeaseSweeperFinishesJobOfDeadWorker(t *testing.T) {
	e := newEnv(t, nil, mock("a"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a"}})
	require.NoError(t, err)
	// another worker took p1 and died; its queued delivery is now stale
	leaseAttempt(t, e.store, res.JobID, "p1", "a", "replica-dead", time.Now().Add(50*time.Millisecond))

	e.start(t)
	go e.orch.RunLeaseSweeper(ctx, 10*time.Millisecond)

	report := e.await(t, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, report.Status)

	att, err := e.store.GetAttempt(ctx, res.JobID, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSucceeded, att.State)
	assert.Equal(t, 1, att.Attempts)
}

func TestOrchestrator_BoundedTermination(t *testing.T) {
	e := newEnv(t, nil, failingAdapter{name: "down"}, mock("up"))
	e.start(t)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1", "p2", "p3"}, Sources: []string{"up", "down"}})
	require.NoError(t, err)

	report := e.await(t, res.JobID)
	assert.Equal(t, domain.JobStatusPartiallyFailed, report.Status)
	assert.Equal(t, 3, report.Totals.Partial)
	for _, p := range report.Properties {
		assert.Equal(t, []string{"up"}, p.Succeeded)
		assert.Len(t, append(p.PermanentlyFailed, p.PendingCircuit...), 1)
		assert.Contains(t, p.Errors, "down")
	}
}

func TestOrchestrator_Purge(t *testing.T) {
	a := mock("a")
	e := newEnv(t, nil, a)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}})
	require.NoError(t, err)
	assert.ErrorIs(t, e.orch.Purge(ctx, res.JobID), domain.ErrJobNotTerminal)

	e.start(t)
	e.await(t, res.JobID)
	require.NotZero(t, e.index.Len("p1"))

	require.NoError(t, e.orch.Purge(ctx, res.JobID))
	_, err = e.store.GetJob(ctx, res.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, e.orch.Purge(ctx, res.JobID), domain.ErrJobNotFound)
	assert.Zero(t, e.index.Len("p1"), "purged images no longer count as kept")

	again, err := e.orch.Submit(ctx, SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.Equal(t, 1, again.Queued)
}

func TestOrchestrator_SourceHealth(t *testing.T) {
	e := newEnv(t, nil, mock("b"), mock("a"))
	ctx := context.Background()

	require.NoError(t, e.store.UpsertSourceHealth(ctx, &domain.SourceHealth{
		Source:  "b",
		Circuit: domain.CircuitState{Source: "b", State: domain.CircuitOpen, Trips: 2},
	}))

	health, err := e.orch.SourceHealth(ctx)
	require.NoError(t, err)
	require.Len(t, health, 2)
	assert.Equal(t, "a", health[0].Source)
	assert.Equal(t, domain.CircuitClosed, health[0].Circuit.State)
	assert.Equal(t, time.Millisecond, health[0].Rate.MinDelay)
	assert.Equal(t, domain.CircuitOpen, health[1].Circuit.State)
}
