// Package storage persists extraction state: jobs, per-source attempts,
// image records and source health. The store is the single source of truth;
// every record is written atomically on its own.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// JobCursor marks the last job of a page, ordered by (CreatedAt, ID) descending
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter selects jobs for ListJobs
type JobFilter struct {
	Statuses []domain.JobStatus
	Limit    int // 0 means no limit
	Cursor   *JobCursor
}

// Store is the extraction state store
type Store interface {
	// CreateJob stores a new job together with its initial attempts, all or nothing
	CreateJob(ctx context.Context, job *domain.BatchJob, attempts []domain.SourceAttempt) error
	UpdateJob(ctx context.Context, job *domain.BatchJob) error
	GetJob(ctx context.Context, jobID string) (*domain.BatchJob, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.BatchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.BatchJob, error)
	// DeleteJob removes the job, its attempts and its image records
	DeleteJob(ctx context.Context, jobID string) error

	UpsertAttempt(ctx context.Context, attempt *domain.SourceAttempt) error
	// SaveAttempt writes attempt only if the stored revision is still
	// prevRevision, returning domain.ErrStaleAttempt otherwise
	SaveAttempt(ctx context.Context, attempt *domain.SourceAttempt, prevRevision int) error
	// ExtendLease moves the lease expiry of the attempt forward while it is
	// IN_PROGRESS at revision and leased by owner, returning
	// domain.ErrStaleAttempt otherwise. The revision is unchanged.
	ExtendLease(ctx context.Context, jobID, propertyID, source string, revision int, owner string, until time.Time) error
	GetAttempt(ctx context.Context, jobID, propertyID, source string) (*domain.SourceAttempt, error)
	GetPropertyTask(ctx context.Context, jobID, propertyID string) (*domain.PropertyTask, error)
	ListPropertyTasks(ctx context.Context, jobID string) ([]domain.PropertyTask, error)
	// ListIncomplete returns the property tasks that still have a non-terminal attempt
	ListIncomplete(ctx context.Context, jobID string) ([]domain.PropertyTask, error)
	// FindSucceededAttempt returns the latest attempt, in any job, that fetched
	// the pair itself (not reused) and succeeded
	FindSucceededAttempt(ctx context.Context, propertyID, source string) (*domain.SourceAttempt, error)

	UpsertImage(ctx context.Context, record *domain.ImageRecord) error
	GetImage(ctx context.Context, jobID, propertyID, source, contentHash string) (*domain.ImageRecord, error)
	ListImages(ctx context.Context, jobID string) ([]domain.ImageRecord, error)
	// ListKeptImages returns the KEPT images of a property across all jobs
	ListKeptImages(ctx context.Context, propertyID string) ([]domain.ImageRecord, error)

	UpsertSourceHealth(ctx context.Context, health *domain.SourceHealth) error
	ListSourceHealth(ctx context.Context) ([]domain.SourceHealth, error)

	Close() error
}

// groupTasks folds attempts, ordered by property, into property tasks
func groupTasks(jobID string, attempts []domain.SourceAttempt) []domain.PropertyTask {
	var (
		tasks   []domain.PropertyTask
		current []domain.SourceAttempt
	)
	flush := func() {
		if len(current) > 0 {
			tasks = append(tasks, domain.NewPropertyTask(jobID, current[0].PropertyID, current))
			current = nil
		}
	}
	for _, a := range attempts {
		if len(current) > 0 && current[0].PropertyID != a.PropertyID {
			flush()
		}
		current = append(current, a)
	}
	flush()
	return tasks
}

func incomplete(tasks []domain.PropertyTask) []domain.PropertyTask {
	out := make([]domain.PropertyTask, 0, len(tasks))
	for _, t := range tasks {
		if !t.Done {
			out = append(out, t)
		}
	}
	return out
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
