package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// FileStore is the Store backed by one JSON file per record:
//
//	<dir>/jobs/<job_id>/job.json
//	<dir>/jobs/<job_id>/attempts/<property>.<source>.json
//	<dir>/jobs/<job_id>/images/<property>.<source>.<content_hash>.json
//	<dir>/idempotency/<sha256(key)>.json
//	<dir>/sources/<source>.json
//
// Property and source names are base64url encoded in file names. Queries
// that span jobs scan the directory tree, which suits single-node runs.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// serialises writers against multi-file reads such as ListJobs
	mu sync.RWMutex
}

type idempotencyEntry struct {
	Key   string `json:"key"`
	JobID string `json:"job_id"`
}

// NewFileStore creates the store rooted at dir
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	for _, sub := range []string{"jobs", "idempotency", "sources"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	logger.Info("File state store ready", slog.String("dir", dir))
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.dir, "jobs", fileKey(jobID))
}

func (s *FileStore) jobPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "job.json")
}

func (s *FileStore) attemptPath(jobID, propertyID, source string) string {
	return filepath.Join(s.jobDir(jobID), "attempts", fileKey(propertyID)+"."+fileKey(source)+".json")
}

func (s *FileStore) imagePath(jobID, propertyID, source, contentHash string) string {
	name := fileKey(propertyID) + "." + fileKey(source) + "." + fileKey(contentHash) + ".json"
	return filepath.Join(s.jobDir(jobID), "images", name)
}

func (s *FileStore) idempotencyPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, "idempotency", hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) sourcePath(source string) string {
	return filepath.Join(s.dir, "sources", fileKey(source)+".json")
}

func (s *FileStore) CreateJob(_ context.Context, job *domain.BatchJob, attempts []domain.SourceAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.jobPath(job.ID)); err == nil {
		return fmt.Errorf("failed to create job: job %s already exists", job.ID)
	}
	var existing idempotencyEntry
	if err := readJSON(s.idempotencyPath(job.IdempotencyKey), &existing); err == nil {
		if _, statErr := os.Stat(s.jobPath(existing.JobID)); statErr == nil {
			return fmt.Errorf("failed to create job: idempotency key already used by job %s", existing.JobID)
		}
	}

	// the key entry first, so a crash before the job file lands never leaves a
	// job the key cannot find; attempts next and the job file last, so a job
	// is visible only once complete
	if err := writeJSON(s.idempotencyPath(job.IdempotencyKey), idempotencyEntry{Key: job.IdempotencyKey, JobID: job.ID}); err != nil {
		return fmt.Errorf("failed to index idempotency key: %w", err)
	}
	for i := range attempts {
		a := &attempts[i]
		if err := writeJSON(s.attemptPath(a.JobID, a.PropertyID, a.Source), a); err != nil {
			return fmt.Errorf("failed to create attempt: %w", err)
		}
	}
	if err := writeJSON(s.jobPath(job.ID), job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *FileStore) UpdateJob(_ context.Context, job *domain.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.jobPath(job.ID)); err != nil {
		return domain.ErrJobNotFound
	}
	if err := writeJSON(s.jobPath(job.ID), job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *FileStore) GetJob(_ context.Context, jobID string) (*domain.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readJob(jobID)
}

func (s *FileStore) readJob(jobID string) (*domain.BatchJob, error) {
	var job domain.BatchJob
	if err := readJSON(s.jobPath(jobID), &job); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *FileStore) GetJobByIdempotencyKey(_ context.Context, key string) (*domain.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry idempotencyEntry
	if err := readJSON(s.idempotencyPath(key), &entry); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return s.readJob(entry.JobID)
}

func (s *FileStore) allJobs() ([]domain.BatchJob, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	jobs := make([]domain.BatchJob, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var job domain.BatchJob
		if err := readJSON(filepath.Join(s.dir, "jobs", e.Name(), "job.json"), &job); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *FileStore) ListJobs(_ context.Context, filter JobFilter) ([]domain.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.allJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	wanted := make(map[domain.JobStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		wanted[st] = true
	}

	out := make([]domain.BatchJob, 0)
	for _, j := range all {
		if len(wanted) > 0 && !wanted[j.Status] {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID) {
				continue
			}
		}
		out = append(out, j)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.readJob(jobID)
	if err != nil {
		return err
	}
	// the job file goes first so a crash mid-purge leaves no visible job
	if err := os.Remove(s.jobPath(jobID)); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("failed to delete job records: %w", err)
	}
	if err := os.Remove(s.idempotencyPath(job.IdempotencyKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (s *FileStore) UpsertAttempt(_ context.Context, attempt *domain.SourceAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.attemptPath(attempt.JobID, attempt.PropertyID, attempt.Source), attempt); err != nil {
		return fmt.Errorf("failed to upsert attempt: %w", err)
	}
	return nil
}

func (s *FileStore) SaveAttempt(_ context.Context, attempt *domain.SourceAttempt, prevRevision int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.attemptPath(attempt.JobID, attempt.PropertyID, attempt.Source)
	var stored domain.SourceAttempt
	if err := readJSON(path, &stored); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrAttemptNotFound
		}
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	if stored.Revision != prevRevision {
		return domain.ErrStaleAttempt
	}
	if err := writeJSON(path, attempt); err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// ExtendLease pushes the lease expiry of an IN_PROGRESS attempt forward
// without bumping its revision
func (s *FileStore) ExtendLease(_ context.Context, jobID, propertyID, source string, revision int, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.attemptPath(jobID, propertyID, source)
	var stored domain.SourceAttempt
	if err := readJSON(path, &stored); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrAttemptNotFound
		}
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if stored.Revision != revision || stored.LeaseOwner != owner || stored.State != domain.AttemptInProgress {
		return domain.ErrStaleAttempt
	}
	stored.LeaseExpiresAt = until
	if err := writeJSON(path, &stored); err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}

func (s *FileStore) GetAttempt(_ context.Context, jobID, propertyID, source string) (*domain.SourceAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a domain.SourceAttempt
	if err := readJSON(s.attemptPath(jobID, propertyID, source), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return &a, nil
}

// jobAttempts returns the job's attempts ordered by property then source
func (s *FileStore) jobAttempts(jobID string) ([]domain.SourceAttempt, error) {
	dir := filepath.Join(s.jobDir(jobID), "attempts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}

	out := make([]domain.SourceAttempt, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var a domain.SourceAttempt
		if err := readJSON(filepath.Join(dir, e.Name()), &a); err != nil {
			return nil, fmt.Errorf("failed to read attempt: %w", err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PropertyID != out[j].PropertyID {
			return out[i].PropertyID < out[j].PropertyID
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func (s *FileStore) GetPropertyTask(_ context.Context, jobID, propertyID string) (*domain.PropertyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts, err := s.jobAttempts(jobID)
	if err != nil {
		return nil, err
	}
	var mine []domain.SourceAttempt
	for _, a := range attempts {
		if a.PropertyID == propertyID {
			mine = append(mine, a)
		}
	}
	if len(mine) == 0 {
		return nil, domain.ErrAttemptNotFound
	}
	t := domain.NewPropertyTask(jobID, propertyID, mine)
	return &t, nil
}

func (s *FileStore) ListPropertyTasks(_ context.Context, jobID string) ([]domain.PropertyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts, err := s.jobAttempts(jobID)
	if err != nil {
		return nil, err
	}
	return groupTasks(jobID, attempts), nil
}

func (s *FileStore) ListIncomplete(ctx context.Context, jobID string) ([]domain.PropertyTask, error) {
	tasks, err := s.ListPropertyTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return incomplete(tasks), nil
}

func (s *FileStore) FindSucceededAttempt(_ context.Context, propertyID, source string) (*domain.SourceAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.allJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to find succeeded attempt: %w", err)
	}

	var best *domain.SourceAttempt
	for _, j := range jobs {
		var a domain.SourceAttempt
		if err := readJSON(s.attemptPath(j.ID, propertyID, source), &a); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to find succeeded attempt: %w", err)
		}
		if a.State != domain.AttemptSucceeded || a.ReusedFromJob != "" {
			continue
		}
		if best == nil || a.UpdatedAt.After(best.UpdatedAt) {
			found := a
			best = &found
		}
	}
	if best == nil {
		return nil, domain.ErrAttemptNotFound
	}
	return best, nil
}

func (s *FileStore) UpsertImage(_ context.Context, record *domain.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.imagePath(record.JobID, record.PropertyID, record.Source, record.ContentHash)
	var existing domain.ImageRecord
	if err := readJSON(path, &existing); err == nil && !existing.CreatedAt.IsZero() {
		updated := *record
		updated.CreatedAt = existing.CreatedAt
		record = &updated
	}
	if err := writeJSON(path, record); err != nil {
		return fmt.Errorf("failed to upsert image record: %w", err)
	}
	return nil
}

func (s *FileStore) GetImage(_ context.Context, jobID, propertyID, source, contentHash string) (*domain.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r domain.ImageRecord
	if err := readJSON(s.imagePath(jobID, propertyID, source, contentHash), &r); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to get image record: %w", err)
	}
	return &r, nil
}

func (s *FileStore) jobImages(jobID string) ([]domain.ImageRecord, error) {
	dir := filepath.Join(s.jobDir(jobID), "images")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read image records: %w", err)
	}

	out := make([]domain.ImageRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var r domain.ImageRecord
		if err := readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			return nil, fmt.Errorf("failed to read image record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func sortImages(records []domain.ImageRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PropertyID != b.PropertyID {
			return a.PropertyID < b.PropertyID
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ContentHash < b.ContentHash
	})
}

func (s *FileStore) ListImages(_ context.Context, jobID string) ([]domain.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.jobImages(jobID)
	if err != nil {
		return nil, err
	}
	sortImages(records)
	return records, nil
}

func (s *FileStore) ListKeptImages(_ context.Context, propertyID string) ([]domain.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.allJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to list kept images: %w", err)
	}

	var out []domain.ImageRecord
	for _, j := range jobs {
		records, err := s.jobImages(j.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.PropertyID == propertyID && r.Status == domain.ImageKept {
				out = append(out, r)
			}
		}
	}
	sortImages(out)
	return out, nil
}

func (s *FileStore) UpsertSourceHealth(_ context.Context, health *domain.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.sourcePath(health.Source), health); err != nil {
		return fmt.Errorf("failed to upsert source health: %w", err)
	}
	return nil
}

func (s *FileStore) ListSourceHealth(_ context.Context) ([]domain.SourceHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.dir, "sources")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source health: %w", err)
	}

	out := make([]domain.SourceHealth, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var h domain.SourceHealth
		if err := readJSON(filepath.Join(dir, e.Name()), &h); err != nil {
			return nil, fmt.Errorf("failed to read source health: %w", err)
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}
