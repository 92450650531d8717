package domain

import "time"

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one request to run an automated change against a project.
// Inputs are immutable after submission; status and timestamps are mutated
// only by the queue manager under its lock.
type Job struct {
	ID             string      `json:"id"`
	TicketID       string      `json:"ticket_id"`
	ProjectID      string      `json:"project_id"`
	Priority       JobPriority `json:"priority"`
	Status         JobStatus   `json:"status"`
	WorktreeID     string      `json:"worktree_id,omitempty"`
	Prompt         string      `json:"prompt"`
	BranchName     string      `json:"branch_name"`
	BaseBranch     string      `json:"base_branch"`
	CallbackURL    string      `json:"callback_url"`
	CallbackSecret string      `json:"-"`
	RetryCount     int         `json:"retry_count"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DispatchedAt   *time.Time  `json:"dispatched_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}
