package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// JobService is the orchestrator surface used by the handlers
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResult, error)
	Progress(ctx context.Context, jobID string) (*domain.Progress, error)
	Report(ctx context.Context, jobID string) (*domain.BatchReport, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.BatchJob, error)
	Cancel(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) (int, error)
	Purge(ctx context.Context, jobID string) error
	SourceHealth(ctx context.Context) ([]domain.SourceHealth, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobService
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}
