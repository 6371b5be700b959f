package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/config"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/ratelimit"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Queue:   config.QueueBackendConfig{Backend: config.QueueBackendMemory},
		Storage: config.StorageConfig{Backend: config.StorageBackendFile, StateDir: filepath.Join(dir, "state"), BlobDir: filepath.Join(dir, "blobs")},
		Worker:  config.WorkerConfig{Concurrency: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		RateLimit: config.RateLimitConfig{
			MinDelay: time.Millisecond,
			MaxDelay: 10 * time.Millisecond,
		},
		Sources: []config.SourceConfig{
			{Name: "alpha", Type: config.SourceTypeMock, Priority: 2},
			{Name: "beta", Type: config.SourceTypeMock, Priority: 1},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestBuild_LocalBackends(t *testing.T) {
	cfg := localConfig(t)
	c, err := Build(context.Background(), cfg, slog.New(slog.DiscardHandler), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.IsType(t, &storage.FileStore{}, c.Store)
	assert.IsType(t, &queue.MemoryQueue{}, c.Queue)
	assert.Nil(t, c.Rabbit)
	assert.Equal(t, []string{"alpha", "beta"}, c.Sources.Names())

	orch, err := c.NewOrchestrator()
	require.NoError(t, err)
	pool, err := c.NewPool(orch, "w1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Stop() })

	res, err := orch.Submit(ctx, orchestrator.SubmitRequest{PropertyIDs: []string{"p1"}, Sources: []string{"alpha", "beta"}})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 15*time.Second)
	defer waitCancel()
	rep, err := orch.AwaitCompletion(waitCtx, res.JobID)
	require.NoError(t, err)
	require.Len(t, rep.Properties, 1)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, rep.Properties[0].Succeeded)
	assert.NotEmpty(t, rep.Manifest)
}

func TestBuild_RejectsBadSources(t *testing.T) {
	cfg := localConfig(t)
	cfg.Sources = append(cfg.Sources, config.SourceConfig{Name: "broken", Type: "ftp"})

	_, err := Build(context.Background(), cfg, slog.New(slog.DiscardHandler), "test")
	assert.Error(t, err)
}

func TestLimiterOverrides(t *testing.T) {
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{MinDelay: time.Second, MaxDelay: time.Minute},
		Sources: []config.SourceConfig{
			{Name: "plain"},
			{Name: "slow", MinDelay: 5 * time.Second},
			{Name: "both", MinDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
			{Name: "huge", MinDelay: 2 * time.Minute},
			{Name: "capped", MaxDelay: 30 * time.Second},
		},
	}

	got := limiterOverrides(cfg)
	assert.Equal(t, map[string]ratelimit.Bounds{
		"slow":   {MinDelay: 5 * time.Second, MaxDelay: time.Minute},
		"both":   {MinDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
		"huge":   {MinDelay: 2 * time.Minute, MaxDelay: 2 * time.Minute},
		"capped": {MinDelay: time.Second, MaxDelay: 30 * time.Second},
	}, got)
}

func TestInstanceID(t *testing.T) {
	id := InstanceID("worker")
	assert.True(t, strings.HasPrefix(id, "worker-"))
	assert.True(t, strings.HasSuffix(id, fmt.Sprintf("-%d", os.Getpid())))
	assert.NotEqual(t, id, InstanceID("api"))
}
