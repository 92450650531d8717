// Package storage durably records job and worktree state. The store is used
// for durability and restart history only; the running process never reads
// it on the hot path.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you/agentq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// SaveJob upserts one job record.
func (s *Store) SaveJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, ticket_id, project_id, priority, status, worktree_id, prompt,
branch_name, base_branch, callback_url, callback_secret, retry_count,
error_message, created_at, dispatched_at, started_at, completed_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
on conflict (id) do update set
status = excluded.status,
worktree_id = excluded.worktree_id,
retry_count = excluded.retry_count,
error_message = excluded.error_message,
dispatched_at = excluded.dispatched_at,
started_at = excluded.started_at,
completed_at = excluded.completed_at`,
		j.ID, j.TicketID, j.ProjectID, int(j.Priority), string(j.Status),
		nullable(j.WorktreeID), j.Prompt, j.BranchName, j.BaseBranch,
		j.CallbackURL, j.CallbackSecret, j.RetryCount,
		nullable(j.ErrorMessage), j.CreatedAt, j.DispatchedAt, j.StartedAt,
		j.CompletedAt,
	)
	return err
}

// SaveWorktree upserts one worktree record.
func (s *Store) SaveWorktree(ctx context.Context, wt *domain.Worktree) error {
	_, err := s.db.Exec(ctx, `insert into worktrees(
id, project_id, ticket_id, path, branch_name, status, created_at,
last_used_at, cleanup_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (id) do update set
status = excluded.status,
last_used_at = excluded.last_used_at,
cleanup_at = excluded.cleanup_at`,
		wt.ID, wt.ProjectID, nullable(wt.TicketID), wt.Path, wt.BranchName,
		string(wt.Status), wt.CreatedAt, wt.LastUsedAt, wt.CleanupAt,
	)
	return err
}

// RecentJobs returns up to limit persisted jobs, newest first. Used to
// report history after a restart; the in-memory queue starts empty.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select
id, ticket_id, project_id, priority, status, coalesce(worktree_id, ''),
prompt, branch_name, base_branch, callback_url, retry_count,
coalesce(error_message, ''), created_at, dispatched_at, started_at,
completed_at
from jobs order by created_at desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		var (
			j        domain.Job
			priority int
			status   string
		)
		if err := rows.Scan(&j.ID, &j.TicketID, &j.ProjectID, &priority,
			&status, &j.WorktreeID, &j.Prompt, &j.BranchName, &j.BaseBranch,
			&j.CallbackURL, &j.RetryCount, &j.ErrorMessage, &j.CreatedAt,
			&j.DispatchedAt, &j.StartedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		j.Priority = domain.JobPriority(priority)
		j.Status = domain.JobStatus(status)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
