package domain

import "time"

// WorktreeStatus represents the lifecycle state of a worktree.
type WorktreeStatus string

const (
	WorktreeStatusActive  WorktreeStatus = "active"
	WorktreeStatusMerging WorktreeStatus = "merging"
	WorktreeStatusCleanup WorktreeStatus = "cleanup"
	WorktreeStatusDeleted WorktreeStatus = "deleted"
)

// Worktree is one isolated, disposable checkout of a project's repository on
// a dedicated branch. Each active worktree is owned by exactly one job.
type Worktree struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	TicketID   string         `json:"ticket_id,omitempty"`
	Path       string         `json:"path"`
	BranchName string         `json:"branch_name"`
	Status     WorktreeStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt time.Time      `json:"last_used_at"`
	CleanupAt  *time.Time     `json:"cleanup_at,omitempty"`
}

// WorktreeStats is a point-in-time snapshot of pool utilization.
type WorktreeStats struct {
	Active    int `json:"active"`
	MaxActive int `json:"max_active"`
}
