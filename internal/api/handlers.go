package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/domain"
	"github.com/you/agentq/internal/queue"
	"github.com/you/agentq/internal/worktree"
)

const version = "0.1.0"

// JobHistory serves persisted job records from previous runs. The in-memory
// queue starts empty after a restart; this is the only read path into the
// durable store.
type JobHistory interface {
	RecentJobs(ctx context.Context, limit int) ([]*domain.Job, error)
}

// Handlers bundles the HTTP handlers and their collaborators.
type Handlers struct {
	qm      *queue.Manager
	wm      *worktree.Manager
	history JobHistory
	log     *zap.Logger
}

func NewHandlers(qm *queue.Manager, wm *worktree.Manager, history JobHistory, log *zap.Logger) *Handlers {
	return &Handlers{qm: qm, wm: wm, history: history, log: log}
}

// Health reports service status with queue and worktree snapshots.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:    "healthy",
		Version:   version,
		Uptime:    time.Since(startTime).String(),
		Queue:     *h.qm.GetStats(),
		Worktrees: *h.wm.GetStats(),
	})
}

// Metrics renders queue and worktree gauges in Prometheus text format.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.qm.GetStats()
	wtStats := h.wm.GetStats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP agentq_jobs_total Number of jobs by status\n")
	fmt.Fprintf(w, "# TYPE agentq_jobs_total gauge\n")
	fmt.Fprintf(w, "agentq_jobs_total{status=\"pending\"} %d\n", stats.PendingJobs)
	fmt.Fprintf(w, "agentq_jobs_total{status=\"running\"} %d\n", stats.RunningJobs)
	fmt.Fprintf(w, "agentq_jobs_total{status=\"completed\"} %d\n", stats.CompletedJobs)
	fmt.Fprintf(w, "agentq_jobs_total{status=\"failed\"} %d\n", stats.FailedJobs)
	fmt.Fprintf(w, "agentq_jobs_total{status=\"cancelled\"} %d\n", stats.CancelledJobs)
	fmt.Fprintf(w, "# HELP agentq_workers_active Workers currently executing jobs\n")
	fmt.Fprintf(w, "# TYPE agentq_workers_active gauge\n")
	fmt.Fprintf(w, "agentq_workers_active %d\n", stats.ActiveWorkers)
	fmt.Fprintf(w, "# HELP agentq_workers_max Worker pool capacity\n")
	fmt.Fprintf(w, "# TYPE agentq_workers_max gauge\n")
	fmt.Fprintf(w, "agentq_workers_max %d\n", stats.MaxWorkers)
	fmt.Fprintf(w, "# HELP agentq_worktrees_active Active worktrees\n")
	fmt.Fprintf(w, "# TYPE agentq_worktrees_active gauge\n")
	fmt.Fprintf(w, "agentq_worktrees_active %d\n", wtStats.Active)
}

// CreateJob submits a new agent job to the queue.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.qm.Submit(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingTicketID),
			errors.Is(err, domain.ErrMissingProjectID),
			errors.Is(err, domain.ErrMissingPrompt):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("job submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ListJobs returns all known jobs with queue statistics.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  h.qm.ListJobs(),
		"stats": h.qm.GetStats(),
	})
}

// JobHistoryList returns persisted jobs from the durable store, newest
// first. Unlike ListJobs it survives restarts.
func (h *Handlers) JobHistoryList(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []*domain.Job{}})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	jobs, err := h.history.RecentJobs(r.Context(), limit)
	if err != nil {
		h.log.Error("load job history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob returns a single job by id.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.qm.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a pending or in-flight job.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	err := h.qm.CancelJob(chi.URLParam(r, "jobID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "job cancelled"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobAlreadyCompleted):
		writeError(w, http.StatusConflict, "job already completed")
	default:
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	}
}

// GetQueueStatus returns aggregate queue statistics.
func (h *Handlers) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.qm.GetStats())
}

// ListWorktrees returns all tracked worktrees with pool stats.
func (h *Handlers) ListWorktrees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"worktrees": h.wm.List(),
		"stats":     h.wm.GetStats(),
	})
}

// CreateWorktree provisions a worktree outside the job flow, for operator
// use.
func (h *Handlers) CreateWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID  string `json:"project_id"`
		TicketID   string `json:"ticket_id"`
		BranchName string `json:"branch_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.BranchName == "" {
		writeError(w, http.StatusBadRequest, "project_id and branch_name are required")
		return
	}

	wt, err := h.wm.Create(r.Context(), req.ProjectID, req.TicketID, req.BranchName)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCapacityExceeded):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrRepoUnavailable):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.log.Error("worktree creation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, wt)
}

// DeleteWorktree removes a worktree by id.
func (h *Handlers) DeleteWorktree(w http.ResponseWriter, r *http.Request) {
	if err := h.wm.Delete(chi.URLParam(r, "worktreeID")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "worktree deleted"})
}

// HandleCallback ingests a completion notice from the execution host. The
// bearer credential is forwarded to the reconciler, which checks it against
// the matched job's callback secret.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	cred, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization header")
		return
	}

	var result domain.JobResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result.ReceivedAt = time.Now()
	result.Credential = cred
	h.qm.HandleCallback(result)

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "callback received"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1], true
	}
	return header, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
