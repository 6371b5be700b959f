package router

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/api/dto"
	"github.com/cuongbtq/listing-extractor/internal/api/handler"
	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/orchestrator"
	"github.com/cuongbtq/listing-extractor/internal/queue"
	"github.com/cuongbtq/listing-extractor/internal/report"
	"github.com/cuongbtq/listing-extractor/internal/source"
	"github.com/cuongbtq/listing-extractor/internal/storage"
)

// tickingClock advances one second per reading so job order is deterministic
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.DiscardHandler)

	store, err := storage.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := source.NewRegistry()
	require.NoError(t, reg.Register(source.NewMockAdapter(source.MockAdapterOptions{Name: "a"}), 0))

	clock := &tickingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	orch, err := orchestrator.New(orchestrator.Config{
		Logger:  logger,
		Store:   store,
		Queue:   queue.NewMemoryQueue(logger),
		Sources: reg,
		Now:     clock.Now,
	})
	require.NoError(t, err)

	return SetupRouter(&handler.Dependencies{Logger: logger, Jobs: orch, ServiceName: "test-api"})
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, r http.Handler, props ...string) dto.CreateJobResponse {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{PropertyIDs: props, Sources: []string{"a"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	r := setupTestRouter(t)
	w := do(t, r, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"test-api"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCreateJob(t *testing.T) {
	r := setupTestRouter(t)

	created := submit(t, r, "p1", "p2")
	_, err := uuid.Parse(created.JobID)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, 2, created.Queued)

	w := do(t, r, http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{PropertyIDs: []string{"p2", "p1"}, Sources: []string{"a"}})
	require.Equal(t, http.StatusOK, w.Code)
	var again dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, created.JobID, again.JobID)
	assert.False(t, again.Created)
}

func TestCreateJob_IdempotencyHeader(t *testing.T) {
	r := setupTestRouter(t)

	send := func() dto.CreateJobResponse {
		body, _ := json.Marshal(dto.CreateJobRequest{PropertyIDs: []string{"p1"}, Sources: []string{"a"}})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
		req.Header.Set("X-Idempotency-Key", "client-key-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Contains(t, []int{http.StatusCreated, http.StatusOK}, w.Code)
		var resp dto.CreateJobResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	first, second := send(), send()
	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, first.Created)
	assert.False(t, second.Created)
}

func TestCreateJob_Invalid(t *testing.T) {
	r := setupTestRouter(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing sources", body: map[string]any{"property_ids": []string{"p1"}}, status: http.StatusBadRequest},
		{name: "empty property list", body: map[string]any{"property_ids": []string{}, "sources": []string{"a"}}, status: http.StatusBadRequest},
		{name: "blank property id", body: map[string]any{"property_ids": []string{""}, "sources": []string{"a"}}, status: http.StatusBadRequest},
		{name: "unknown source", body: dto.CreateJobRequest{PropertyIDs: []string{"p1"}, Sources: []string{"zillow"}}, status: http.StatusBadRequest},
		{name: "not json", body: "nope", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestGetJob(t *testing.T) {
	r := setupTestRouter(t)
	job := submit(t, r, "p1", "p2")

	w := do(t, r, http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var progress domain.Progress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, domain.JobStatusRunning, progress.Status)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.PerSource["a"].Pending)

	w = do(t, r, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	r := setupTestRouter(t)
	older := submit(t, r, "p1")
	newer := submit(t, r, "p2")

	w := do(t, r, http.MethodGet, "/api/v1/jobs?page_size=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, newer.JobID, page.Jobs[0].JobID)
	require.NotEmpty(t, page.NextCursor)

	w = do(t, r, http.MethodGet, "/api/v1/jobs?page_size=1&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var next dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Jobs, 1)
	assert.Equal(t, older.JobID, next.Jobs[0].JobID)
	assert.Empty(t, next.NextCursor)

	w = do(t, r, http.MethodGet, "/api/v1/jobs?status=running,completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var filtered dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	assert.Len(t, filtered.Jobs, 2)

	w = do(t, r, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	assert.Empty(t, filtered.Jobs)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/jobs?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/jobs?cursor=!!!", nil).Code)
}

func TestJobLifecycle(t *testing.T) {
	r := setupTestRouter(t)
	job := submit(t, r, "p1", "p2")
	base := "/api/v1/jobs/" + job.JobID

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodDelete, base, nil).Code, "running jobs cannot be purged")

	w := do(t, r, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job_id":"`+job.JobID+`","status":"CANCELLED"}`, w.Body.String())
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, base+"/cancel", nil).Code)

	w = do(t, r, http.MethodGet, base+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, domain.JobStatusCancelled, rep.Status)
	require.Len(t, rep.Properties, 2)
	assert.Equal(t, []string{"a"}, rep.Properties[0].Cancelled)

	w = do(t, r, http.MethodGet, base+"/report?format=xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, report.ContentTypeXLSX, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), job.JobID+".xlsx")
	assert.Equal(t, []byte("PK"), w.Body.Bytes()[:2], "xlsx is a zip archive")

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, base+"/report?format=csv", nil).Code)

	w = do(t, r, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resumed dto.ResumeJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resumed))
	assert.Equal(t, 2, resumed.Queued)

	// cancel again so the job is terminal and can be purged
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, base+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, base, nil).Code)
}

func TestListSources(t *testing.T) {
	r := setupTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/v1/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ListSourcesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "a", resp.Sources[0].Source)
	assert.Equal(t, "CLOSED", resp.Sources[0].CircuitState)
}
