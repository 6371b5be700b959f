package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// ManifestSink receives an entry for every image kept
type ManifestSink interface {
	Publish(ctx context.Context, entry domain.ManifestEntry) error
}

// LogSink writes manifest entries to the log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each entry at Info level
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, entry domain.ManifestEntry) error {
	s.logger.Info("Image kept",
		slog.String("job_id", entry.JobID),
		slog.String("property_id", entry.PropertyID),
		slog.String("source", entry.Source),
		slog.String("storage_location", entry.StorageLocation),
		slog.String("fingerprint", entry.Fingerprint),
	)
	return nil
}

// Publisher is the subset of the RabbitMQ client used by RabbitSink
type Publisher interface {
	PublishManifest(ctx context.Context, body []byte, contentType string) error
}

// RabbitSink publishes manifest entries as JSON to the manifest routing key
type RabbitSink struct {
	publisher Publisher
}

// NewRabbitSink creates a sink over a RabbitMQ publisher
func NewRabbitSink(publisher Publisher) *RabbitSink {
	return &RabbitSink{publisher: publisher}
}

func (s *RabbitSink) Publish(ctx context.Context, entry domain.ManifestEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest entry: %w", err)
	}
	return s.publisher.PublishManifest(ctx, body, "application/json")
}

// MultiSink fans an entry out to several sinks, returning the first error
type MultiSink []ManifestSink

func (m MultiSink) Publish(ctx context.Context, entry domain.ManifestEntry) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
