package domain

// CreateJobRequest is the submission contract. TicketID, ProjectID and
// Prompt are required; validation happens before any state mutation.
type CreateJobRequest struct {
	TicketID       string      `json:"ticket_id"`
	ProjectID      string      `json:"project_id"`
	Priority       JobPriority `json:"priority"`
	Prompt         string      `json:"prompt"`
	BranchName     string      `json:"branch_name"`
	BaseBranch     string      `json:"base_branch"`
	CallbackURL    string      `json:"callback_url"`
	CallbackSecret string      `json:"callback_secret"`
}

// CreateJobResponse returns the created job and its 1-based position in the
// pending list (-1 if the job already left the list).
type CreateJobResponse struct {
	Job      *Job   `json:"job"`
	Position int    `json:"position"`
	Message  string `json:"message"`
}

// QueueStats aggregates job counts by status bucket and project, plus
// worker-pool utilization.
type QueueStats struct {
	TotalJobs     int            `json:"total_jobs"`
	PendingJobs   int            `json:"pending_jobs"`
	RunningJobs   int            `json:"running_jobs"`
	CompletedJobs int            `json:"completed_jobs"`
	FailedJobs    int            `json:"failed_jobs"`
	CancelledJobs int            `json:"cancelled_jobs"`
	JobsByProject map[string]int `json:"jobs_by_project"`
	ActiveWorkers int            `json:"active_workers"`
	MaxWorkers    int            `json:"max_workers"`
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Queue     QueueStats    `json:"queue"`
	Worktrees WorktreeStats `json:"worktrees"`
}
