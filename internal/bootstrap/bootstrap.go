// Package bootstrap wires the configured store, queue, sources and shared
// guards into the components used by the api, worker and cli binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/circuit"
	"github.com/cuongbtq/listing-extractor/internal/config"
	"github.com/cuongbtq/listing-extractor/internal/dedup"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/ratelimit"
	"github.com/cuongbtq/listing-extractor/internal/source"
	"github.com/cuongbtq/listing-extractor/internal/storage"
	"github.com/cuongbtq/listing-extractor/internal/worker"
	"github.com/cuongbtq/listing-extractor/shared/database"
	"github.com/cuongbtq/listing-extractor/shared/logger"
	"github.com/cuongbtq/listing-extractor/shared/rabbitmq"
)

// Components holds everything a binary needs to run extraction jobs
type Components struct {
	Logger  *slog.Logger
	Store   storage.Store
	Queue   queue.Queue
	Sources *source.Registry
	Breaker *circuit.Breaker
	Limiter *ratelimit.Limiter
	Index   *dedup.Index
	Blobs   *storage.BlobStore

	// set when the rabbitmq queue backend is configured
	Rabbit *rabbitmq.Client

	cfg *config.Config
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
		Version:      cfg.App.Version,
	})
}

// Build opens the configured backends. consumerTag names this process on the
// rabbitmq queue. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, consumerTag string) (*Components, error) {
	c := &Components{Logger: log, cfg: cfg}

	sources, err := source.FromConfig(cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("failed to build sources: %w", err)
	}
	c.Sources = sources

	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.Store = store

	if err := c.openQueue(cfg, consumerTag); err != nil {
		c.Close()
		return nil, err
	}

	blobs, err := storage.NewBlobStore(cfg.Storage.BlobDir)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	c.Blobs = blobs

	c.Breaker = circuit.New(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		FailureWindow:    cfg.Circuit.FailureWindow,
		Cooldown:         cfg.Circuit.Cooldown,
		MaxCooldown:      cfg.Circuit.MaxCooldown,
		Logger:           log,
	})
	c.Limiter = ratelimit.New(ratelimit.Config{
		MinDelay:    cfg.RateLimit.MinDelay,
		MaxDelay:    cfg.RateLimit.MaxDelay,
		DecayAfter:  cfg.RateLimit.DecayAfter,
		DecayFactor: cfg.RateLimit.DecayFactor,
		Jitter:      cfg.RateLimit.Jitter,
		Overrides:   limiterOverrides(cfg),
		Logger:      log,
	})

	index, err := dedup.New(dedup.Config{
		Threshold:     cfg.Dedup.Threshold,
		SmallSetSize:  cfg.Dedup.SmallSetSize,
		SmallSetRelax: cfg.Dedup.SmallSetRelax,
		Priorities:    sources.Priorities(),
		Loader:        store,
		Logger:        log,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Index = index

	return c, nil
}

// OpenStore opens the configured state store
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == config.StorageBackendFile {
		store, err := storage.NewFileStore(cfg.Storage.StateDir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		log.Info("File state store ready", slog.String("dir", cfg.Storage.StateDir))
		return store, nil
	}

	db := cfg.Database
	client, err := database.NewClient(&database.Config{
		Driver:          db.Driver,
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		Database:        db.Database,
		SSLMode:         db.SSLMode,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := storage.NewSQLStore(ctx, client, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

func (c *Components) openQueue(cfg *config.Config, consumerTag string) error {
	if cfg.Queue.Backend == config.QueueBackendMemory {
		c.Queue = queue.NewMemoryQueue(c.Logger)
		return nil
	}

	rc := cfg.RabbitMQ
	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               rc.Host,
		Port:               rc.Port,
		User:               rc.User,
		Password:           rc.Password,
		VHost:              rc.VHost,
		ExchangeName:       rc.Exchange.Name,
		ExchangeType:       rc.Exchange.Type,
		ExchangeDurable:    rc.Exchange.Durable,
		ExchangeAutoDelete: rc.Exchange.AutoDelete,
		QueueName:          rc.Queue.Name,
		QueueDurable:       rc.Queue.Durable,
		QueueAutoDelete:    rc.Queue.AutoDelete,
		QueueExclusive:     rc.Queue.Exclusive,
		RoutingKey:         rc.RoutingKey,
		DelayQueueName:     rc.DelayQueue.Name,
		DelayTiers:         rc.DelayTiers,
		ManifestRoutingKey: rc.ManifestRoutingKey,
		PrefetchCount:      rc.Consumer.PrefetchCount,
		RetryAttempts:      rc.Connection.RetryAttempts,
		RetryInterval:      rc.Connection.RetryInterval,
		Heartbeat:          rc.Connection.Heartbeat,
		ConnectionTimeout:  rc.Connection.ConnectionTimeout,
		PublishRetries:     rc.Publish.RetryAttempts,
		PublishRetryDelay:  rc.Publish.RetryInterval,
		PublishBackoffMult: rc.Publish.BackoffMultiplier,
	}, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	c.Rabbit = client
	c.Queue = queue.NewRabbitQueue(client, consumerTag, rc.Consumer.PrefetchCount, c.Logger)
	return nil
}

func limiterOverrides(cfg *config.Config) map[string]ratelimit.Bounds {
	out := make(map[string]ratelimit.Bounds)
	for _, s := range cfg.Sources {
		if s.MinDelay <= 0 && s.MaxDelay <= 0 {
			continue
		}
		b := ratelimit.Bounds{MinDelay: s.MinDelay, MaxDelay: s.MaxDelay}
		if b.MinDelay <= 0 {
			b.MinDelay = cfg.RateLimit.MinDelay
		}
		if b.MaxDelay < b.MinDelay {
			b.MaxDelay = max(cfg.RateLimit.MaxDelay, b.MinDelay)
		}
		out[s.Name] = b
	}
	return out
}

// NewOrchestrator creates the orchestrator over the components
func (c *Components) NewOrchestrator() (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Config{
		Logger:       c.Logger,
		Store:        c.Store,
		Queue:        c.Queue,
		Sources:      c.Sources,
		Breaker:      c.Breaker,
		Limiter:      c.Limiter,
		Index:        c.Index,
		PollInterval: c.cfg.Orchestrator.PollInterval,
	})
}

// InstanceID names this process for attempt leases: role, host and pid, so
// replicas sharing a store never hold leases under the same owner
func InstanceID(role string) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", role, hostname, os.Getpid())
}

// NewPool creates a worker pool that reports settled attempts to orch.
// Kept manifest entries are logged, and also published when rabbitmq is configured.
func (c *Components) NewPool(orch *orchestrator.Orchestrator, workerID string) (*worker.Pool, error) {
	var sink worker.ManifestSink = worker.NewLogSink(c.Logger)
	if c.Rabbit != nil {
		sink = worker.MultiSink{sink, worker.NewRabbitSink(c.Rabbit)}
	}

	w := c.cfg.Worker
	return worker.NewPool(worker.Config{
		Logger:         c.Logger,
		Store:          c.Store,
		Queue:          c.Queue,
		Sources:        c.Sources,
		Breaker:        c.Breaker,
		Limiter:        c.Limiter,
		Index:          c.Index,
		Blobs:          c.Blobs,
		Manifest:       sink,
		WorkerID:       workerID,
		Concurrency:    w.Concurrency,
		AttemptTimeout: w.AttemptTimeout,
		MaxAttempts:    w.MaxAttempts,
		RetryBaseDelay: w.RetryBaseDelay,
		RetryMaxDelay:  w.RetryMaxDelay,
		CircuitWaitMax: w.CircuitWaitMax,

		LeaseTTL:          w.LeaseTTL,
		HeartbeatInterval: w.HeartbeatInterval,

		OnSettled: orch.HandleSettled,
	})
}

// StartLeaseSweeper reclaims attempts whose worker stopped renewing its lease,
// checking twice per lease period until ctx is done
func (c *Components) StartLeaseSweeper(ctx context.Context, orch *orchestrator.Orchestrator) {
	go orch.RunLeaseSweeper(ctx, c.cfg.Worker.LeaseTTL/2)
}

// Close releases the queue and the store
func (c *Components) Close() error {
	var errs []error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
	}
	if c.Rabbit != nil {
		if err := c.Rabbit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close RabbitMQ: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
