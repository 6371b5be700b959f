// Package worker executes extraction tasks: one (job, property, source)
// fetch at a time per goroutine, guarded by the shared circuit breaker and
// rate limiter, with every state change written to the store first.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/listing-extractor/internal/circuit"
	"github.com/cuongbtq/listing-extractor/internal/dedup"
	"github.com/cuongbtq/listing-extractor/internal/phash"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/ratelimit"
	"github.com/cuongbtq/listing-extractor/internal/source"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// Config holds pool dependencies and settings
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Queue    queue.Queue
	Sources  *source.Registry
	Breaker  *circuit.Breaker
	Limiter  *ratelimit.Limiter
	Index    *dedup.Index
	Hasher   *phash.Hasher
	Blobs    *storage.BlobStore
	Manifest ManifestSink

	WorkerID       string
	Concurrency    int
	AttemptTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	CircuitWaitMax time.Duration

	// IN_PROGRESS attempts are leased to WorkerID for LeaseTTL and renewed
	// every HeartbeatInterval while the fetch runs
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// OnSettled is called after an attempt reaches a terminal state
	OnSettled func(jobID string)

	Now  func() time.Time
	Rand func() float64
}

// Pool is a fixed-size set of goroutines pulling tasks from the queue
type Pool struct {
	cfg    Config
	logger *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]bool

	randMu sync.Mutex

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPool validates the config and creates a pool
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Sources == nil {
		return nil, fmt.Errorf("worker pool requires a store, a queue and a source registry")
	}
	if cfg.Breaker == nil || cfg.Limiter == nil || cfg.Index == nil || cfg.Blobs == nil {
		return nil, fmt.Errorf("worker pool requires a breaker, a limiter, a dedup index and a blob store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = phash.NewHasher()
	}
	if cfg.Manifest == nil {
		cfg.Manifest = NewLogSink(cfg.Logger)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.AttemptTimeout
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseTTL {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	return &Pool{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		inflight: make(map[string]bool),
	}, nil
}

// Start spawns the worker goroutines. Stop ends dequeuing; tasks already
// executing finish under ctx.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("attempt_timeout", p.cfg.AttemptTimeout),
		slog.Int("max_attempts", p.cfg.MaxAttempts),
	)

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group = p.spawnWorkerPool(loopCtx, ctx)
}

// Stop signals the workers to stop taking tasks and waits for them
func (p *Pool) Stop() error {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	var err error
	if p.group != nil {
		err = p.group.Wait()
	}
	p.logger.Info("Worker pool stopped")
	return err
}

func (p *Pool) now() time.Time {
	return p.cfg.Now()
}

func (p *Pool) random() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.cfg.Rand()
}

// claim marks a task key in flight, reporting false if it already was
func (p *Pool) claim(key string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[key] {
		return false
	}
	p.inflight[key] = true
	return true
}

func (p *Pool) release(key string) {
	p.inflightMu.Lock()
	delete(p.inflight, key)
	p.inflightMu.Unlock()
}
