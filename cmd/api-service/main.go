package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/listing-extractor/internal/api/handler"
	"github.com/cuongbtq/listing-extractor/internal/api/router"
	"github.com/cuongbtq/listing-extractor/internal/bootstrap"
	"github.com/cuongbtq/listing-extractor/internal/config"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/worker"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("queue", cfg.Queue.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Build(ctx, cfg, appLogger.Logger, "api-service")
	if err != nil {
		return err
	}
	defer components.Close()

	orch, err := components.NewOrchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// an in-memory queue lives in this process, so its workers must too
	var pool *worker.Pool
	if cfg.Queue.Backend == config.QueueBackendMemory {
		pool, err = startEmbeddedPool(ctx, components, orch, appLogger.Logger)
		if err != nil {
			return err
		}
	}

	r := initRouter(cfg, appLogger.Logger, orch)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if pool != nil {
		if err := pool.Stop(); err != nil {
			appLogger.Warn("Worker pool stopped with error", slog.Any("error", err))
		}
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// startEmbeddedPool recovers unfinished work into the in-memory queue and
// starts workers consuming it
func startEmbeddedPool(ctx context.Context, c *bootstrap.Components, orch *orchestrator.Orchestrator, logger *slog.Logger) (*worker.Pool, error) {
	pool, err := c.NewPool(orch, bootstrap.InstanceID("api"))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	queued, err := orch.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover unfinished jobs: %w", err)
	}
	logger.Info("Recovered unfinished work", slog.Int("queued", queued))

	pool.Start(ctx)
	c.StartLeaseSweeper(ctx, orch)
	return pool, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, orch *orchestrator.Orchestrator) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Jobs:        orch,
		ServiceName: cfg.App.Name,
	})
}
