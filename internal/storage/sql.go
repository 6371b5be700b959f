package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/shared/database"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS extraction_jobs (
		job_id          TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		property_ids    TEXT NOT NULL,
		sources         TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		completed_at    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extraction_jobs_status ON extraction_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS source_attempts (
		job_id           TEXT NOT NULL,
		property_id      TEXT NOT NULL,
		source           TEXT NOT NULL,
		state            TEXT NOT NULL,
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error_kind  TEXT NOT NULL DEFAULT '',
		last_error       TEXT NOT NULL DEFAULT '',
		next_eligible_at BIGINT NOT NULL DEFAULT 0,
		image_count      INTEGER NOT NULL DEFAULT 0,
		revision         INTEGER NOT NULL DEFAULT 0,
		reused_from_job  TEXT NOT NULL DEFAULT '',
		lease_owner      TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT NOT NULL DEFAULT 0,
		updated_at       BIGINT NOT NULL,
		PRIMARY KEY (job_id, property_id, source)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_source_attempts_pair ON source_attempts (property_id, source, state)`,
	`CREATE TABLE IF NOT EXISTS image_records (
		job_id           TEXT NOT NULL,
		property_id      TEXT NOT NULL,
		source           TEXT NOT NULL,
		content_hash     TEXT NOT NULL,
		fingerprint      BIGINT NOT NULL,
		storage_location TEXT NOT NULL,
		status           TEXT NOT NULL,
		duplicate_of     TEXT NOT NULL DEFAULT '',
		source_url       TEXT NOT NULL DEFAULT '',
		width            INTEGER NOT NULL DEFAULT 0,
		height           INTEGER NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		PRIMARY KEY (job_id, property_id, source, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_image_records_property ON image_records (property_id, status)`,
	`CREATE TABLE IF NOT EXISTS source_health (
		source     TEXT PRIMARY KEY,
		circuit    TEXT NOT NULL,
		rate       TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

type jobRow struct {
	JobID          string `db:"job_id"`
	IdempotencyKey string `db:"idempotency_key"`
	PropertyIDs    string `db:"property_ids"`
	Sources        string `db:"sources"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
	CompletedAt    int64  `db:"completed_at"`
}

type attemptRow struct {
	JobID          string `db:"job_id"`
	PropertyID     string `db:"property_id"`
	Source         string `db:"source"`
	State          string `db:"state"`
	Attempts       int    `db:"attempts"`
	LastErrorKind  string `db:"last_error_kind"`
	LastError      string `db:"last_error"`
	NextEligibleAt int64  `db:"next_eligible_at"`
	ImageCount     int    `db:"image_count"`
	Revision       int    `db:"revision"`
	ReusedFromJob  string `db:"reused_from_job"`
	LeaseOwner     string `db:"lease_owner"`
	LeaseExpiresAt int64  `db:"lease_expires_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

type imageRow struct {
	JobID           string `db:"job_id"`
	PropertyID      string `db:"property_id"`
	Source          string `db:"source"`
	ContentHash     string `db:"content_hash"`
	Fingerprint     int64  `db:"fingerprint"`
	StorageLocation string `db:"storage_location"`
	Status          string `db:"status"`
	DuplicateOf     string `db:"duplicate_of"`
	SourceURL       string `db:"source_url"`
	Width           int    `db:"width"`
	Height          int    `db:"height"`
	CreatedAt       int64  `db:"created_at"`
}

type healthRow struct {
	Source    string `db:"source"`
	Circuit   string `db:"circuit"`
	Rate      string `db:"rate"`
	UpdatedAt int64  `db:"updated_at"`
}

const (
	jobColumns     = `job_id, idempotency_key, property_ids, sources, status, created_at, updated_at, completed_at`
	attemptColumns = `job_id, property_id, source, state, attempts, last_error_kind, last_error,
		next_eligible_at, image_count, revision, reused_from_job, lease_owner, lease_expires_at, updated_at`
	imageColumns = `job_id, property_id, source, content_hash, fingerprint, storage_location, status,
		duplicate_of, source_url, width, height, created_at`
)

const upsertAttemptQuery = `
	INSERT INTO source_attempts (` + attemptColumns + `)
	VALUES (:job_id, :property_id, :source, :state, :attempts, :last_error_kind, :last_error,
		:next_eligible_at, :image_count, :revision, :reused_from_job, :lease_owner, :lease_expires_at, :updated_at)
	ON CONFLICT (job_id, property_id, source) DO UPDATE SET
		state = excluded.state,
		attempts = excluded.attempts,
		last_error_kind = excluded.last_error_kind,
		last_error = excluded.last_error,
		next_eligible_at = excluded.next_eligible_at,
		image_count = excluded.image_count,
		revision = excluded.revision,
		reused_from_job = excluded.reused_from_job,
		lease_owner = excluded.lease_owner,
		lease_expires_at = excluded.lease_expires_at,
		updated_at = excluded.updated_at
`

// SQLStore is the Store backed by a SQL database through sqlx. The same
// statements run on PostgreSQL (lib/pq or pgx) and SQLite.
type SQLStore struct {
	client *database.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore wraps a connected client and migrates the schema
func NewSQLStore(ctx context.Context, client *database.Client, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	s.logger.Info("State store schema ready", slog.String("driver", s.client.Driver()))
	return nil
}

// Close closes the underlying database client
func (s *SQLStore) Close() error {
	return s.client.Close()
}

func (s *SQLStore) CreateJob(ctx context.Context, job *domain.BatchJob, attempts []domain.SourceAttempt) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO extraction_jobs (` + jobColumns + `)
		VALUES (:job_id, :idempotency_key, :property_ids, :sources, :status, :created_at, :updated_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for i := range attempts {
		if _, err := tx.NamedExecContext(ctx, upsertAttemptQuery, newAttemptRow(&attempts[i])); err != nil {
			return fmt.Errorf("failed to create attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *domain.BatchJob) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	query := `UPDATE extraction_jobs
		SET status = :status, updated_at = :updated_at, completed_at = :completed_at
		WHERE job_id = :job_id`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE job_id = ?`, jobID)
}

func (s *SQLStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.BatchJob, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE idempotency_key = ?`, key)
}

func (s *SQLStore) getJob(ctx context.Context, query string, arg string) (*domain.BatchJob, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]domain.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND job_id < ?))"
		c := toUnix(filter.Cursor.CreatedAt)
		args = append(args, c, c, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.BatchJob, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *SQLStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"image_records", "source_attempts"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE job_id = ?`), jobID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM extraction_jobs WHERE job_id = ?`), jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job deletion: %w", err)
	}
	return nil
}

func (s *SQLStore) UpsertAttempt(ctx context.Context, attempt *domain.SourceAttempt) error {
	if _, err := s.db.NamedExecContext(ctx, upsertAttemptQuery, newAttemptRow(attempt)); err != nil {
		return fmt.Errorf("failed to upsert attempt: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveAttempt(ctx context.Context, attempt *domain.SourceAttempt, prevRevision int) error {
	query := `UPDATE source_attempts SET
			state = ?, attempts = ?, last_error_kind = ?, last_error = ?, next_eligible_at = ?,
			image_count = ?, revision = ?, reused_from_job = ?, lease_owner = ?, lease_expires_at = ?,
			updated_at = ?
		WHERE job_id = ? AND property_id = ? AND source = ? AND revision = ?`

	row := newAttemptRow(attempt)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		row.State, row.Attempts, row.LastErrorKind, row.LastError, row.NextEligibleAt,
		row.ImageCount, row.Revision, row.ReusedFromJob, row.LeaseOwner, row.LeaseExpiresAt,
		row.UpdatedAt,
		row.JobID, row.PropertyID, row.Source, prevRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	if n == 0 {
		if _, err := s.GetAttempt(ctx, attempt.JobID, attempt.PropertyID, attempt.Source); err != nil {
			return err
		}
		return domain.ErrStaleAttempt
	}
	return nil
}

// ExtendLease pushes the lease expiry of an IN_PROGRESS attempt forward
// without bumping its revision
func (s *SQLStore) ExtendLease(ctx context.Context, jobID, propertyID, source string, revision int, owner string, until time.Time) error {
	query := `UPDATE source_attempts SET lease_expires_at = ?
		WHERE job_id = ? AND property_id = ? AND source = ? AND revision = ? AND lease_owner = ? AND state = ?`

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		toUnix(until), jobID, propertyID, source, revision, owner, string(domain.AttemptInProgress))
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleAttempt
	}
	return nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, jobID, propertyID, source string) (*domain.SourceAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM source_attempts
		WHERE job_id = ? AND property_id = ? AND source = ?`

	var row attemptRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), jobID, propertyID, source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	a := row.toDomain()
	return &a, nil
}

func (s *SQLStore) listAttempts(ctx context.Context, where string, args ...interface{}) ([]domain.SourceAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM source_attempts WHERE ` + where +
		` ORDER BY property_id, source`

	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]domain.SourceAttempt, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLStore) GetPropertyTask(ctx context.Context, jobID, propertyID string) (*domain.PropertyTask, error) {
	attempts, err := s.listAttempts(ctx, "job_id = ? AND property_id = ?", jobID, propertyID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, domain.ErrAttemptNotFound
	}
	t := domain.NewPropertyTask(jobID, propertyID, attempts)
	return &t, nil
}

func (s *SQLStore) ListPropertyTasks(ctx context.Context, jobID string) ([]domain.PropertyTask, error) {
	attempts, err := s.listAttempts(ctx, "job_id = ?", jobID)
	if err != nil {
		return nil, err
	}
	return groupTasks(jobID, attempts), nil
}

func (s *SQLStore) ListIncomplete(ctx context.Context, jobID string) ([]domain.PropertyTask, error) {
	tasks, err := s.ListPropertyTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return incomplete(tasks), nil
}

func (s *SQLStore) FindSucceededAttempt(ctx context.Context, propertyID, source string) (*domain.SourceAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM source_attempts
		WHERE property_id = ? AND source = ? AND state = ? AND reused_from_job = ''
		ORDER BY updated_at DESC LIMIT 1`

	var row attemptRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), propertyID, source, string(domain.AttemptSucceeded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to find succeeded attempt: %w", err)
	}
	a := row.toDomain()
	return &a, nil
}

func (s *SQLStore) UpsertImage(ctx context.Context, record *domain.ImageRecord) error {
	query := `INSERT INTO image_records (` + imageColumns + `)
		VALUES (:job_id, :property_id, :source, :content_hash, :fingerprint, :storage_location, :status,
			:duplicate_of, :source_url, :width, :height, :created_at)
		ON CONFLICT (job_id, property_id, source, content_hash) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			storage_location = excluded.storage_location,
			status = excluded.status,
			duplicate_of = excluded.duplicate_of,
			source_url = excluded.source_url,
			width = excluded.width,
			height = excluded.height`

	if _, err := s.db.NamedExecContext(ctx, query, newImageRow(record)); err != nil {
		return fmt.Errorf("failed to upsert image record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetImage(ctx context.Context, jobID, propertyID, source, contentHash string) (*domain.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM image_records
		WHERE job_id = ? AND property_id = ? AND source = ? AND content_hash = ?`

	var row imageRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), jobID, propertyID, source, contentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to get image record: %w", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *SQLStore) listImages(ctx context.Context, where string, args ...interface{}) ([]domain.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM image_records WHERE ` + where +
		` ORDER BY property_id, source, created_at, content_hash`

	var rows []imageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}
	out := make([]domain.ImageRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLStore) ListImages(ctx context.Context, jobID string) ([]domain.ImageRecord, error) {
	return s.listImages(ctx, "job_id = ?", jobID)
}

func (s *SQLStore) ListKeptImages(ctx context.Context, propertyID string) ([]domain.ImageRecord, error) {
	return s.listImages(ctx, "property_id = ? AND status = ?", propertyID, string(domain.ImageKept))
}

func (s *SQLStore) UpsertSourceHealth(ctx context.Context, health *domain.SourceHealth) error {
	circuit, err := json.Marshal(health.Circuit)
	if err != nil {
		return fmt.Errorf("failed to marshal circuit state: %w", err)
	}
	rate, err := json.Marshal(health.Rate)
	if err != nil {
		return fmt.Errorf("failed to marshal rate budget: %w", err)
	}

	query := `INSERT INTO source_health (source, circuit, rate, updated_at)
		VALUES (:source, :circuit, :rate, :updated_at)
		ON CONFLICT (source) DO UPDATE SET
			circuit = excluded.circuit,
			rate = excluded.rate,
			updated_at = excluded.updated_at`

	row := healthRow{
		Source:    health.Source,
		Circuit:   string(circuit),
		Rate:      string(rate),
		UpdatedAt: toUnix(health.UpdatedAt),
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert source health: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSourceHealth(ctx context.Context) ([]domain.SourceHealth, error) {
	var rows []healthRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT source, circuit, rate, updated_at FROM source_health ORDER BY source`); err != nil {
		return nil, fmt.Errorf("failed to list source health: %w", err)
	}

	out := make([]domain.SourceHealth, 0, len(rows))
	for _, r := range rows {
		h := domain.SourceHealth{Source: r.Source, UpdatedAt: fromUnix(r.UpdatedAt)}
		if err := json.Unmarshal([]byte(r.Circuit), &h.Circuit); err != nil {
			return nil, fmt.Errorf("failed to decode circuit state for %s: %w", r.Source, err)
		}
		if err := json.Unmarshal([]byte(r.Rate), &h.Rate); err != nil {
			return nil, fmt.Errorf("failed to decode rate budget for %s: %w", r.Source, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func newJobRow(job *domain.BatchJob) (jobRow, error) {
	props, err := json.Marshal(job.PropertyIDs)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal property ids: %w", err)
	}
	sources, err := json.Marshal(job.Sources)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal sources: %w", err)
	}
	return jobRow{
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		PropertyIDs:    string(props),
		Sources:        string(sources),
		Status:         string(job.Status),
		CreatedAt:      toUnix(job.CreatedAt),
		UpdatedAt:      toUnix(job.UpdatedAt),
		CompletedAt:    toUnix(job.CompletedAt),
	}, nil
}

func (r jobRow) toDomain() (*domain.BatchJob, error) {
	job := &domain.BatchJob{
		ID:             r.JobID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         domain.JobStatus(r.Status),
		CreatedAt:      fromUnix(r.CreatedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
		CompletedAt:    fromUnix(r.CompletedAt),
	}
	if err := json.Unmarshal([]byte(r.PropertyIDs), &job.PropertyIDs); err != nil {
		return nil, fmt.Errorf("failed to decode property ids for job %s: %w", r.JobID, err)
	}
	if err := json.Unmarshal([]byte(r.Sources), &job.Sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources for job %s: %w", r.JobID, err)
	}
	return job, nil
}

func newAttemptRow(a *domain.SourceAttempt) attemptRow {
	return attemptRow{
		JobID:          a.JobID,
		PropertyID:     a.PropertyID,
		Source:         a.Source,
		State:          string(a.State),
		Attempts:       a.Attempts,
		LastErrorKind:  string(a.LastErrorKind),
		LastError:      a.LastError,
		NextEligibleAt: toUnix(a.NextEligibleAt),
		ImageCount:     a.ImageCount,
		Revision:       a.Revision,
		ReusedFromJob:  a.ReusedFromJob,
		LeaseOwner:     a.LeaseOwner,
		LeaseExpiresAt: toUnix(a.LeaseExpiresAt),
		UpdatedAt:      toUnix(a.UpdatedAt),
	}
}

func (r attemptRow) toDomain() domain.SourceAttempt {
	return domain.SourceAttempt{
		JobID:          r.JobID,
		PropertyID:     r.PropertyID,
		Source:         r.Source,
		State:          domain.AttemptState(r.State),
		Attempts:       r.Attempts,
		LastErrorKind:  domain.ErrorKind(r.LastErrorKind),
		LastError:      r.LastError,
		NextEligibleAt: fromUnix(r.NextEligibleAt),
		ImageCount:     r.ImageCount,
		Revision:       r.Revision,
		ReusedFromJob:  r.ReusedFromJob,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: fromUnix(r.LeaseExpiresAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}
}

func newImageRow(r *domain.ImageRecord) imageRow {
	return imageRow{
		JobID:           r.JobID,
		PropertyID:      r.PropertyID,
		Source:          r.Source,
		ContentHash:     r.ContentHash,
		Fingerprint:     int64(r.Fingerprint),
		StorageLocation: r.StorageLocation,
		Status:          string(r.Status),
		DuplicateOf:     r.DuplicateOf,
		SourceURL:       r.SourceURL,
		Width:           r.Width,
		Height:          r.Height,
		CreatedAt:       toUnix(r.CreatedAt),
	}
}

func (r imageRow) toDomain() domain.ImageRecord {
	return domain.ImageRecord{
		JobID:           r.JobID,
		PropertyID:      r.PropertyID,
		Source:          r.Source,
		ContentHash:     r.ContentHash,
		Fingerprint:     uint64(r.Fingerprint),
		StorageLocation: r.StorageLocation,
		Status:          domain.ImageStatus(r.Status),
		DuplicateOf:     r.DuplicateOf,
		SourceURL:       r.SourceURL,
		Width:           r.Width,
		Height:          r.Height,
		CreatedAt:       fromUnix(r.CreatedAt),
	}
}
