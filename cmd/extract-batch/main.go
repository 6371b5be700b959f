// Command extract-batch runs one extraction batch in-process: it submits the
// properties, waits for every attempt to settle and prints the JSON report.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/listing-extractor/internal/bootstrap"
	"github.com/cuongbtq/listing-extractor/internal/config"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/report"
)

type options struct {
	configPath     string
	properties     string
	propertiesFile string
	sources        string
	idempotencyKey string
	refresh        bool
	xlsxPath       string
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaultConfigPath := os.Getenv("EXTRACT_BATCH_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/extract-batch/config.yaml"
	}

	var opts options
	flag.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	flag.StringVar(&opts.properties, "properties", "", "Comma-separated property ids")
	flag.StringVar(&opts.propertiesFile, "properties-file", "", "File with one property id per line (- for stdin)")
	flag.StringVar(&opts.sources, "sources", "", "Comma-separated sources (default: every configured source)")
	flag.StringVar(&opts.idempotencyKey, "key", "", "Idempotency key for the batch")
	flag.BoolVar(&opts.refresh, "refresh", false, "Refetch pairs that already succeeded in earlier jobs")
	flag.StringVar(&opts.xlsxPath, "xlsx", "", "Also write the report as an XLSX workbook to this path")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// the batch runs in this process, so its queue does too
	cfg.Queue.Backend = config.QueueBackendMemory

	if err := cfg.ValidateBatchConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	props, err := collectProperties(opts.properties, opts.propertiesFile, os.Stdin)
	if err != nil {
		return err
	}
	if len(props) == 0 {
		return errors.New("no property ids given; use -properties or -properties-file")
	}

	appLogger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Build(ctx, cfg, appLogger.Logger, "extract-batch")
	if err != nil {
		return err
	}
	defer components.Close()

	sources := splitList(opts.sources)
	if len(sources) == 0 {
		sources = components.Sources.Names()
	}

	orch, err := components.NewOrchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	pool, err := components.NewPool(orch, bootstrap.InstanceID("extract-batch"))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	if _, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover unfinished jobs: %w", err)
	}
	pool.Start(ctx)
	defer pool.Stop()
	components.StartLeaseSweeper(ctx, orch)

	res, err := orch.Submit(ctx, orchestrator.SubmitRequest{
		PropertyIDs:    props,
		Sources:        sources,
		IdempotencyKey: opts.idempotencyKey,
		Refresh:        opts.refresh,
	})
	if err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}

	appLogger.Info("Batch submitted",
		slog.String("job_id", res.JobID),
		slog.Bool("created", res.Created),
		slog.Int("queued", res.Queued),
		slog.Int("reused", res.Reused),
	)

	rep, err := orch.AwaitCompletion(ctx, res.JobID)
	if err != nil {
		if ctx.Err() != nil {
			appLogger.Warn("Interrupted; unfinished attempts resume on the next run",
				slog.String("job_id", res.JobID),
			)
		}
		return fmt.Errorf("failed to await job %s: %w", res.JobID, err)
	}

	if opts.xlsxPath != "" {
		data, err := report.XLSX(rep)
		if err != nil {
			return fmt.Errorf("failed to render xlsx report: %w", err)
		}
		if err := os.WriteFile(opts.xlsxPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write xlsx report: %w", err)
		}
		appLogger.Info("XLSX report written", slog.String("path", opts.xlsxPath))
	}

	return report.WriteJSON(os.Stdout, rep)
}

// collectProperties merges the inline list with the ids read from file
func collectProperties(inline, file string, stdin io.Reader) ([]string, error) {
	props := splitList(inline)
	if file == "" {
		return props, nil
	}

	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open properties file: %w", err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		props = append(props, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read properties file: %w", err)
	}
	return props, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
