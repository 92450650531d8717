// Package queue owns job admission, priority ordering, the bounded worker
// pool and the job state machine. All job mutations happen here under a
// single lock; git and network I/O run outside it on copied data.
package queue

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/you/agentq/internal/config"
	"github.com/you/agentq/internal/dispatch"
	"github.com/you/agentq/internal/domain"
)

// WorktreeAllocator provides isolated checkouts for dispatched jobs.
type WorktreeAllocator interface {
	Create(ctx context.Context, projectID, ticketID, branchName string) (*domain.Worktree, error)
	Delete(id string) error
}

// Recorder persists job records for audit and restart history. Writes are
// best-effort; a nil Recorder disables persistence.
type Recorder interface {
	SaveJob(ctx context.Context, job *domain.Job) error
}

// MaxParallelFunc returns the per-project parallelism cap for a project.
type MaxParallelFunc func(projectID string) int

// Manager is the queue manager. One lock guards the job table, the pending
// list and the per-project counters; they are always touched together.
type Manager struct {
	mu         sync.RWMutex
	cfg        config.QueueConfig
	log        *zap.Logger
	worktrees  WorktreeAllocator
	dispatcher dispatch.Dispatcher
	rec        Recorder
	maxFor     MaxParallelFunc

	jobs       map[string]*domain.Job
	pending    []*domain.Job // priority desc, FIFO within equal priority
	activeJobs map[string]int
	inFlight   int

	sem     *semaphore.Weighted
	results chan domain.JobResult
}

// NewManager creates a queue manager. maxFor may be nil, in which case every
// project gets cfg.ProjectMaxParallel.
func NewManager(cfg config.QueueConfig, wt WorktreeAllocator, d dispatch.Dispatcher, rec Recorder, maxFor MaxParallelFunc, log *zap.Logger) *Manager {
	if maxFor == nil {
		maxFor = func(string) int { return cfg.ProjectMaxParallel }
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		worktrees:  wt,
		dispatcher: d,
		rec:        rec,
		maxFor:     maxFor,
		jobs:       make(map[string]*domain.Job),
		pending:    make([]*domain.Job, 0),
		activeJobs: make(map[string]int),
		sem:        semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		results:    make(chan domain.JobResult, cfg.ResultBuffer),
	}
}

// Start runs the admission loop and the callback consumer until ctx is
// cancelled. Callbacks are drained by this single goroutine so result
// processing is serialized against admission.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("starting queue manager",
		zap.Int("max_workers", m.cfg.MaxParallelJobs),
		zap.Duration("admission_interval", m.cfg.AdmissionInterval))

	ticker := time.NewTicker(m.cfg.AdmissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("queue manager shutting down")
			return
		case result := <-m.results:
			m.reconcile(result)
		case <-ticker.C:
			m.admit(ctx)
		}
	}
}

// Submit validates and enqueues a new job, returning it with its 1-based
// pending-list position.
func (m *Manager) Submit(ctx context.Context, req *domain.CreateJobRequest) (*domain.CreateJobResponse, error) {
	switch {
	case req.TicketID == "":
		return nil, domain.ErrMissingTicketID
	case req.ProjectID == "":
		return nil, domain.ErrMissingProjectID
	case req.Prompt == "":
		return nil, domain.ErrMissingPrompt
	}

	branch := req.BranchName
	if branch == "" {
		branch = m.cfg.BranchPrefix + shortID(req.TicketID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job := &domain.Job{
		ID:             uuid.NewString(),
		TicketID:       req.TicketID,
		ProjectID:      req.ProjectID,
		Priority:       req.Priority,
		Status:         domain.JobStatusPending,
		Prompt:         req.Prompt,
		BranchName:     branch,
		BaseBranch:     req.BaseBranch,
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
		CreatedAt:      time.Now(),
	}

	m.jobs[job.ID] = job
	m.insertByPriority(job)
	position := m.queuePosition(job.ID)
	m.saveLocked(job)

	m.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("ticket_id", job.TicketID),
		zap.String("project_id", job.ProjectID),
		zap.Stringer("priority", job.Priority),
		zap.Int("position", position))

	snap := *job
	return &domain.CreateJobResponse{
		Job:      &snap,
		Position: position,
		Message:  "job queued",
	}, nil
}

// GetJob retrieves a copy of a job by id. Queries hand out copies so callers
// can read and serialize them without holding the lock while the admission
// loop and reconciler mutate the originals.
func (m *Manager) GetJob(id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	snap := *job
	return &snap, nil
}

// ListJobs returns a snapshot of every job, newest first.
func (m *Manager) ListJobs() []*domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snap := *job
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CancelJob cancels a pending or in-flight job. Cancellation is bookkeeping
// only: a job already handed to the execution host keeps running remotely,
// but its result will no longer be accepted and its worktree is left to the
// stale sweep.
func (m *Manager) CancelJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrJobAlreadyCompleted
	}

	wasPending := job.Status == domain.JobStatusPending

	now := time.Now()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now

	// An in-flight job held a pool slot and a per-project slot; its
	// callback is dropped once the job is terminal, so give both back
	// here.
	if !wasPending {
		m.decActive(job.ProjectID)
		m.releaseSlotLocked()
	}
	m.removeFromPending(id)
	m.saveLocked(job)

	m.log.Info("job cancelled", zap.String("job_id", id))
	return nil
}

// GetStats returns aggregate queue statistics.
func (m *Manager) GetStats() *domain.QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &domain.QueueStats{
		TotalJobs:     len(m.jobs),
		JobsByProject: make(map[string]int),
		ActiveWorkers: m.inFlight,
		MaxWorkers:    m.cfg.MaxParallelJobs,
	}

	for _, job := range m.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.PendingJobs++
		case domain.JobStatusDispatched, domain.JobStatusRunning:
			stats.RunningJobs++
		case domain.JobStatusCompleted:
			stats.CompletedJobs++
		case domain.JobStatusFailed:
			stats.FailedJobs++
		case domain.JobStatusCancelled:
			stats.CancelledJobs++
		}
		stats.JobsByProject[job.ProjectID]++
	}

	return stats
}

// HandleCallback enqueues an execution-host result for asynchronous,
// serialized processing. The HTTP caller is never blocked on the state lock;
// if the inbox is full the result is dropped and logged.
func (m *Manager) HandleCallback(result domain.JobResult) {
	select {
	case m.results <- result:
	default:
		m.log.Error("result inbox full, dropping callback",
			zap.String("ticket_id", result.TicketID))
	}
}

// admit scans the pending list in priority order and dispatches every job
// whose project still has headroom. A full worker pool truncates the pass so
// queued-behind jobs get no false head start.
func (m *Manager) admit(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(m.pending); i++ {
		job := m.pending[i]

		if m.activeJobs[job.ProjectID] >= m.maxFor(job.ProjectID) {
			continue
		}

		if !m.sem.TryAcquire(1) {
			return
		}

		now := time.Now()
		job.Status = domain.JobStatusDispatched
		job.DispatchedAt = &now
		m.activeJobs[job.ProjectID]++
		m.inFlight++

		// Off the pending list immediately so the next pass cannot
		// double-dispatch it.
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		i--

		m.saveLocked(job)
		go m.execute(ctx, job)
	}
}

// execute provisions a worktree and hands the job to the execution host. It
// runs outside the lock. The pool slot acquired at admission stays held
// until the job reaches a terminal state: a successful hand-off keeps the
// slot occupied until the callback arrives, so the worker pool bounds
// remote executions, not just local dispatch work.
func (m *Manager) execute(ctx context.Context, job *domain.Job) {
	wt, err := m.worktrees.Create(ctx, job.ProjectID, job.TicketID, job.BranchName)
	if err != nil {
		m.log.Error("worktree creation failed",
			zap.String("job_id", job.ID), zap.Error(err))
		m.fail(job, "failed to create worktree: "+err.Error())
		return
	}

	m.mu.Lock()
	if job.Status.Terminal() {
		// Cancelled while provisioning; the worktree was never handed out.
		m.mu.Unlock()
		m.releaseWorktree(job.ID, wt.ID)
		return
	}
	now := time.Now()
	job.WorktreeID = wt.ID
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	snap := *job
	m.saveLocked(job)
	m.mu.Unlock()

	if err := m.dispatcher.Dispatch(ctx, &snap, wt); err != nil {
		m.log.Error("dispatch failed",
			zap.String("job_id", job.ID), zap.Error(err))
		m.fail(job, "failed to dispatch: "+err.Error())
		return
	}
}

// reconcile applies one execution-host result to the matching job. Only
// non-terminal jobs match, so duplicate delivery is a no-op.
func (m *Manager) reconcile(result domain.JobResult) {
	m.mu.Lock()

	var job *domain.Job
	for _, j := range m.jobs {
		if j.TicketID == result.TicketID && !j.Status.Terminal() {
			job = j
			break
		}
	}
	heldSlot := job != nil && job.Status != domain.JobStatusPending

	if job == nil {
		m.mu.Unlock()
		m.log.Warn("callback for unknown ticket, dropping",
			zap.String("ticket_id", result.TicketID))
		return
	}

	if job.CallbackSecret != "" &&
		subtle.ConstantTimeCompare([]byte(job.CallbackSecret), []byte(result.Credential)) != 1 {
		m.mu.Unlock()
		m.log.Warn("callback credential mismatch, dropping",
			zap.String("ticket_id", result.TicketID),
			zap.String("job_id", job.ID))
		return
	}

	now := time.Now()
	job.CompletedAt = &now
	if result.Status == domain.ResultStatusSuccess {
		job.Status = domain.JobStatusCompleted
	} else {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = result.Error
	}

	if heldSlot {
		m.decActive(job.ProjectID)
		m.releaseSlotLocked()
	}
	m.removeFromPending(job.ID)
	wtID := job.WorktreeID
	m.saveLocked(job)

	m.log.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.String("pr_url", result.PRUrl))
	m.mu.Unlock()

	if wtID != "" {
		go m.releaseWorktree(job.ID, wtID)
	}
}

// fail moves a job that held a pool slot to failed and releases its
// resources. Worktree cleanup is symmetric with the callback path so a job
// failed before its callback never leaks a worktree.
func (m *Manager) fail(job *domain.Job, msg string) {
	m.mu.Lock()
	if job.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = msg
	job.CompletedAt = &now

	m.decActive(job.ProjectID)
	m.releaseSlotLocked()
	m.removeFromPending(job.ID)
	wtID := job.WorktreeID
	m.saveLocked(job)
	m.mu.Unlock()

	if wtID != "" {
		go m.releaseWorktree(job.ID, wtID)
	}
}

// releaseWorktree deletes a job's worktree. Cleanup errors never affect job
// state; the stale sweep is the backstop.
func (m *Manager) releaseWorktree(jobID, wtID string) {
	if err := m.worktrees.Delete(wtID); err != nil {
		m.log.Warn("worktree release failed",
			zap.String("job_id", jobID),
			zap.String("worktree_id", wtID),
			zap.Error(err))
	}
}

// releaseSlotLocked gives back the worker-pool slot a dispatched job held.
// Exactly one terminal transition per admitted job calls this: reconcile,
// fail, or CancelJob; the others are fenced off by the terminal-state
// guards. Callers hold the lock.
func (m *Manager) releaseSlotLocked() {
	m.sem.Release(1)
	m.inFlight--
}

func (m *Manager) decActive(projectID string) {
	m.activeJobs[projectID]--
	if m.activeJobs[projectID] < 0 {
		m.activeJobs[projectID] = 0
	}
}

// insertByPriority places a job after all entries of equal or higher
// priority, so strictly-greater priority jumps the line and equal priority
// keeps arrival order.
func (m *Manager) insertByPriority(job *domain.Job) {
	idx := len(m.pending)
	for i, j := range m.pending {
		if job.Priority > j.Priority {
			idx = i
			break
		}
	}
	m.pending = append(m.pending[:idx], append([]*domain.Job{job}, m.pending[idx:]...)...)
}

func (m *Manager) removeFromPending(jobID string) {
	for i, j := range m.pending {
		if j.ID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) queuePosition(jobID string) int {
	for i, j := range m.pending {
		if j.ID == jobID {
			return i + 1
		}
	}
	return -1
}

// saveLocked persists a snapshot of the job off the hot path. Callers hold
// the lock; failures are logged only.
func (m *Manager) saveLocked(job *domain.Job) {
	if m.rec == nil {
		return
	}
	snap := *job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.rec.SaveJob(ctx, &snap); err != nil {
			m.log.Warn("persist job record", zap.String("job_id", snap.ID), zap.Error(err))
		}
	}()
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
