package domain

import "errors"

var (
	ErrMissingTicketID     = errors.New("ticket_id is required")
	ErrMissingProjectID    = errors.New("project_id is required")
	ErrMissingPrompt       = errors.New("prompt is required")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobAlreadyCompleted = errors.New("job already completed")
	ErrWorktreeNotFound    = errors.New("worktree not found")
	ErrCapacityExceeded    = errors.New("worktree capacity exceeded")
	ErrRepoUnavailable     = errors.New("repository unavailable")
)
