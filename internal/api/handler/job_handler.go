package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/listing-extractor/internal/api/dto"
	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/report"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	idempotencyHeader = "X-Idempotency-Key"
)

// CreateJob handles POST /api/v1/jobs
// Submits a batch of property ids for extraction
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
		})
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader(idempotencyHeader)
	}

	res, err := h.jobs.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		PropertyIDs:    req.PropertyIDs,
		Sources:        req.Sources,
		IdempotencyKey: key,
		Refresh:        req.Refresh,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to create job", err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, dto.CreateJobResponse{
		JobID:   res.JobID,
		Created: res.Created,
		Reused:  res.Reused,
		Queued:  res.Queued,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job's progress computed from the state store
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	progress, err := h.jobs.Progress(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetReport handles GET /api/v1/jobs/:job_id/report
// Returns the report as JSON, or as a workbook with ?format=xlsx
func (h *JobHandler) GetReport(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "json"))
	if format != "json" && format != "xlsx" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "format must be json or xlsx"})
		return
	}

	rep, err := h.jobs.Report(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to build report", err)
		return
	}

	if format == "json" {
		c.JSON(http.StatusOK, rep)
		return
	}

	data, err := report.XLSX(rep)
	if err != nil {
		respondError(c, h.logger, "Failed to render report", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="job-`+jobID+`.xlsx"`)
	c.Data(http.StatusOK, report.ContentTypeXLSX, data)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	statuses, ok := parseStatuses(req.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid status filter", Details: req.Status})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	// one extra row tells whether another page exists
	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		Statuses: statuses,
		Limit:    req.PageSize + 1,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels the job's queued work; attempts already executing finish
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, "Failed to cancel job", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": domain.JobStatusCancelled,
	})
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
// Re-enqueues cancelled, circuit-skipped and unfinished attempts
func (h *JobHandler) ResumeJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	n, err := h.jobs.ResumeJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to resume job", err)
		return
	}
	c.JSON(http.StatusOK, dto.ResumeJobResponse{JobID: jobID, Queued: n})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Purges a finished job and its records
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.Purge(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, "Failed to delete job", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSources handles GET /api/v1/sources
// Reports breaker state and rate budget per configured source
func (h *JobHandler) ListSources(c *gin.Context) {
	health, err := h.jobs.SourceHealth(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list sources", err)
		return
	}

	resp := dto.ListSourcesResponse{Sources: make([]dto.SourceDTO, len(health))}
	for i, s := range health {
		resp.Sources[i] = dto.SourceDTO{
			Source:              s.Source,
			CircuitState:        string(s.Circuit.State),
			ConsecutiveFailures: s.Circuit.ConsecutiveFailures,
			Trips:               s.Circuit.Trips,
			NextProbeAt:         formatTime(s.Circuit.NextProbeAt),
			CurrentDelayMs:      s.Rate.CurrentDelay.Milliseconds(),
			MinDelayMs:          s.Rate.MinDelay.Milliseconds(),
			MaxDelayMs:          s.Rate.MaxDelay.Milliseconds(),
			Consecutive429:      s.Rate.Consecutive429,
			UpdatedAt:           formatTime(s.UpdatedAt),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// jobID validates the :job_id path parameter, writing 400 if it is not a UUID
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	h.logger.Info("Job request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

func parseStatuses(raw string) ([]domain.JobStatus, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	var out []domain.JobStatus
	for _, part := range strings.Split(raw, ",") {
		s := domain.JobStatus(strings.ToUpper(strings.TrimSpace(part)))
		switch s {
		case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusCompleted,
			domain.JobStatusPartiallyFailed, domain.JobStatusCancelled:
			out = append(out, s)
		default:
			return nil, false
		}
	}
	return out, true
}

func toJobDTO(job *domain.BatchJob) dto.JobDTO {
	return dto.JobDTO{
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		PropertyCount:  len(job.PropertyIDs),
		Sources:        job.Sources,
		Status:         string(job.Status),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
		CompletedAt:    formatTime(job.CompletedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
