package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/listing-extractor/internal/bootstrap"
	"github.com/cuongbtq/listing-extractor/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := bootstrap.InstanceID("worker")

	appLogger.Info("Starting worker service",
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Build(ctx, cfg, appLogger.Logger, workerID)
	if err != nil {
		return err
	}
	defer components.Close()

	orch, err := components.NewOrchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	pool, err := components.NewPool(orch, workerID)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	// attempts whose worker died go back on the queue; those still leased by
	// live replicas are left alone
	queued, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover unfinished jobs: %w", err)
	}
	appLogger.Info("Recovered unfinished work", slog.Int("queued", queued))

	pool.Start(ctx)
	components.StartLeaseSweeper(ctx, orch)

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// stop dequeuing; attempts already executing keep running until the timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		done <- pool.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Warn("Worker pool stopped with error", slog.Any("error", err))
		}
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		cancel()
		<-done
	}

	return nil
}
