package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/config"
	"github.com/you/agentq/internal/domain"
	"github.com/you/agentq/internal/queue"
	"github.com/you/agentq/internal/worktree"
)

type stubAllocator struct{}

func (stubAllocator) Create(_ context.Context, projectID, ticketID, branch string) (*domain.Worktree, error) {
	return &domain.Worktree{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		TicketID:   ticketID,
		BranchName: branch,
		Status:     domain.WorktreeStatusActive,
	}, nil
}

func (stubAllocator) Delete(string) error { return nil }

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(context.Context, *domain.Job, *domain.Worktree) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	qcfg := config.QueueConfig{
		MaxParallelJobs:    4,
		ProjectMaxParallel: 3,
		AdmissionInterval:  time.Second,
		ResultBuffer:       10,
		BranchPrefix:       "agent/ticket-",
	}
	qm := queue.NewManager(qcfg, stubAllocator{}, stubDispatcher{}, nil, nil, zap.NewNop())

	wcfg := config.WorktreeConfig{
		BasePath:  t.TempDir(),
		MaxActive: 5,
		MaxAge:    time.Hour,
	}
	resolve := func(string) (string, error) { return "", errors.New("no repo in tests") }
	wm := worktree.NewManager(wcfg, resolve, nil, zap.NewNop())

	return NewRouter(qm, wm, nil, zap.NewNop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", domain.CreateJobRequest{
		TicketID:  "ticket-1",
		ProjectID: "proj",
		Priority:  domain.PriorityHigh,
		Prompt:    "fix the flaky test",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp domain.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Position)
	assert.Equal(t, "ticket-1", resp.Job.TicketID)
	assert.Equal(t, domain.JobStatusPending, resp.Job.Status)
	assert.Equal(t, "agent/ticket-ticket-1", resp.Job.BranchName)
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", domain.CreateJobRequest{
		TicketID:  "ticket-1",
		ProjectID: "proj",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", domain.CreateJobRequest{
		TicketID: "ticket-1", ProjectID: "proj", Prompt: "x",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp domain.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/"+resp.Job.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", domain.CreateJobRequest{
		TicketID: "ticket-1", ProjectID: "proj", Prompt: "x",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp domain.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/jobs/"+resp.Job.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A second cancel hits the terminal state.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/jobs/"+resp.Job.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/jobs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackRequiresAuthorization(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/callback", domain.JobResult{
		TicketID: "ticket-1", Status: "success",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/callback", domain.JobResult{
		TicketID: "ticket-1", Status: "success",
	}, map[string]string{"Authorization": "Bearer host-secret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 5, resp.Worktrees.MaxActive)
	assert.Equal(t, 4, resp.Queue.MaxWorkers)
}

func TestMetrics(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentq_workers_max 4")
	assert.Contains(t, rec.Body.String(), `agentq_jobs_total{status="pending"} 0`)
}

type stubHistory struct{ jobs []*domain.Job }

func (s stubHistory) RecentJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	if limit < len(s.jobs) {
		return s.jobs[:limit], nil
	}
	return s.jobs, nil
}

func TestJobHistory(t *testing.T) {
	qcfg := config.QueueConfig{MaxParallelJobs: 1, ProjectMaxParallel: 1, ResultBuffer: 1}
	qm := queue.NewManager(qcfg, stubAllocator{}, stubDispatcher{}, nil, nil, zap.NewNop())
	wcfg := config.WorktreeConfig{BasePath: t.TempDir(), MaxActive: 1}
	wm := worktree.NewManager(wcfg, func(string) (string, error) { return "", nil }, nil, zap.NewNop())

	history := stubHistory{jobs: []*domain.Job{
		{ID: uuid.NewString(), TicketID: "old-1", Status: domain.JobStatusCompleted},
		{ID: uuid.NewString(), TicketID: "old-2", Status: domain.JobStatusFailed},
	}}
	h := NewRouter(qm, wm, history, zap.NewNop())

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/history?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/history?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHistoryDisabled(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}

func TestListWorktrees(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/worktrees", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Worktrees []domain.Worktree    `json:"worktrees"`
		Stats     domain.WorktreeStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Worktrees)
	assert.Equal(t, 5, resp.Stats.MaxActive)
}

func TestCreateWorktreeBadGateway(t *testing.T) {
	h := newTestRouter(t)

	// The test resolver cannot produce a repository.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/worktrees", map[string]string{
		"project_id": "proj", "branch_name": "agent/x",
	}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/worktrees", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
