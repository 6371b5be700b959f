package dto

// CreateJobRequest is the body of POST /api/v1/jobs
type CreateJobRequest struct {
	PropertyIDs    []string `json:"property_ids" binding:"required,min=1,dive,required"`
	Sources        []string `json:"sources" binding:"required,min=1,dive,required"`
	IdempotencyKey string   `json:"idempotency_key"`
	Refresh        bool     `json:"refresh"`
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
	Reused  int    `json:"reused"`
	Queued  int    `json:"queued"`
}

// ListJobsRequest holds the query of GET /api/v1/jobs. Status is a
// comma-separated list.
type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string   `json:"job_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	PropertyCount  int      `json:"property_count"`
	Sources        []string `json:"sources"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

type ResumeJobResponse struct {
	JobID  string `json:"job_id"`
	Queued int    `json:"queued"`
}

type SourceDTO struct {
	Source              string `json:"source"`
	CircuitState        string `json:"circuit_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Trips               int    `json:"trips"`
	NextProbeAt         string `json:"next_probe_at,omitempty"`
	CurrentDelayMs      int64  `json:"current_delay_ms"`
	MinDelayMs          int64  `json:"min_delay_ms"`
	MaxDelayMs          int64  `json:"max_delay_ms"`
	Consecutive429      int    `json:"consecutive_429"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

type ListSourcesResponse struct {
	Sources []SourceDTO `json:"sources"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
