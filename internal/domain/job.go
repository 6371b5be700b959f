package domain

import "time"

// JobStatus is the overall status of a BatchJob
type JobStatus string

// Job status constants
const (
	JobStatusPending         JobStatus = "PENDING"
	JobStatusRunning         JobStatus = "RUNNING"
	JobStatusCompleted       JobStatus = "COMPLETED"
	JobStatusPartiallyFailed JobStatus = "PARTIALLY_FAILED"
	JobStatusCancelled       JobStatus = "CANCELLED"
)

// IsTerminal reports whether no more work will be scheduled for the job
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyFailed, JobStatusCancelled:
		return true
	}
	return false
}

// BatchJob identifies one submitted extraction run. Only the orchestrator writes it.
type BatchJob struct {
	ID             string
	IdempotencyKey string
	PropertyIDs    []string
	Sources        []string
	Status         JobStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// TaskCount returns the number of (property, source) tasks in the job
func (j *BatchJob) TaskCount() int {
	return len(j.PropertyIDs) * len(j.Sources)
}

// PropertyTask is one property within a BatchJob, assembled from its
// per-source attempts.
type PropertyTask struct {
	JobID      string
	PropertyID string
	Attempts   map[string]SourceAttempt
	ImageCount int
	Done       bool
}

// NewPropertyTask builds a PropertyTask and derives ImageCount and Done
func NewPropertyTask(jobID, propertyID string, attempts []SourceAttempt) PropertyTask {
	pt := PropertyTask{
		JobID:      jobID,
		PropertyID: propertyID,
		Attempts:   make(map[string]SourceAttempt, len(attempts)),
		Done:       len(attempts) > 0,
	}
	for _, a := range attempts {
		pt.Attempts[a.Source] = a
		pt.ImageCount += a.ImageCount
		if !a.State.IsTerminal() {
			pt.Done = false
		}
	}
	return pt
}

// Task is the unit of work carried by the job queue: one property from one source.
// Revision pins the attempt revision the task was scheduled for; deliveries
// whose revision no longer matches the stored attempt are stale.
type Task struct {
	JobID      string    `json:"job_id"`
	PropertyID string    `json:"property_id"`
	Source     string    `json:"source"`
	Revision   int       `json:"revision"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// Key returns the (job, property, source) identity of the task
func (t Task) Key() string {
	return t.JobID + "|" + t.PropertyID + "|" + t.Source
}
