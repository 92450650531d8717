package worktree

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/config"
	"github.com/you/agentq/internal/domain"
)

// RepoResolver maps a project id to the clone URL (or local path) of its
// repository.
type RepoResolver func(projectID string) (string, error)

// Recorder persists worktree records for audit. Writes are best-effort; a
// nil Recorder disables persistence.
type Recorder interface {
	SaveWorktree(ctx context.Context, wt *domain.Worktree) error
}

// Manager owns the pool of isolated git worktrees used by running jobs. It
// caches one shared clone per project and creates every worktree from that
// clone on its own branch. The pool is bounded by cfg.MaxActive.
//
// mu guards the record maps and is only held transiently; clones and
// worktree add/remove subprocesses run unlocked so a slow repository never
// blocks pool queries. cloneMu serializes first-use clones.
type Manager struct {
	mu        sync.RWMutex
	cloneMu   sync.Mutex
	cfg       config.WorktreeConfig
	log       *zap.Logger
	resolve   RepoResolver
	rec       Recorder
	worktrees map[string]*domain.Worktree
	repoCache map[string]string // projectID -> shared clone path
}

// NewManager creates a worktree manager rooted at cfg.BasePath.
func NewManager(cfg config.WorktreeConfig, resolve RepoResolver, rec Recorder, log *zap.Logger) *Manager {
	_ = os.MkdirAll(cfg.BasePath, 0o755)

	return &Manager{
		cfg:       cfg,
		log:       log,
		resolve:   resolve,
		rec:       rec,
		worktrees: make(map[string]*domain.Worktree),
		repoCache: make(map[string]string),
	}
}

// Create provisions a new worktree for a job on branchName. It fails with
// domain.ErrCapacityExceeded when the pool is full and with
// domain.ErrRepoUnavailable when the project's repository cannot be cloned.
// A failed git worktree-add registers nothing.
func (m *Manager) Create(ctx context.Context, projectID, ticketID, branchName string) (*domain.Worktree, error) {
	m.mu.RLock()
	n := m.countActive()
	m.mu.RUnlock()
	if n >= m.cfg.MaxActive {
		return nil, errors.Wrapf(domain.ErrCapacityExceeded, "%d of %d worktrees active", n, m.cfg.MaxActive)
	}

	repoPath, err := m.ensureRepo(ctx, projectID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	path := filepath.Join(m.cfg.BasePath, id)

	// Reuse the branch if a previous job for this ticket already created
	// it; otherwise branch off the clone's HEAD.
	args := []string{"worktree", "add", "-b", branchName, path}
	if branchExists(repoPath, branchName) {
		args = []string{"worktree", "add", path, branchName}
	}
	if _, err := runGit(repoPath, args...); err != nil {
		return nil, errors.Wrap(err, "create worktree")
	}

	now := time.Now()
	wt := &domain.Worktree{
		ID:         id,
		ProjectID:  projectID,
		TicketID:   ticketID,
		Path:       path,
		BranchName: branchName,
		Status:     domain.WorktreeStatusActive,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	m.mu.Lock()
	// The pool may have filled while the git work ran unlocked.
	if n := m.countActive(); n >= m.cfg.MaxActive {
		m.mu.Unlock()
		m.remove(wt, repoPath)
		return nil, errors.Wrapf(domain.ErrCapacityExceeded, "%d of %d worktrees active", n, m.cfg.MaxActive)
	}
	m.worktrees[id] = wt
	snap := *wt
	m.mu.Unlock()

	m.log.Info("created worktree",
		zap.String("worktree_id", id),
		zap.String("project_id", projectID),
		zap.String("branch", branchName),
		zap.String("path", path))

	m.save(&snap)
	return &snap, nil
}

// Get retrieves a copy of a worktree by id. Queries hand out copies so
// callers never observe concurrent status mutations.
func (m *Manager) Get(id string) (*domain.Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wt, ok := m.worktrees[id]
	if !ok {
		return nil, domain.ErrWorktreeNotFound
	}
	snap := *wt
	return &snap, nil
}

// Delete removes a worktree. Git removal failures fall back to deleting the
// directory outright; either way the record leaves the active set, so a
// dirty tree can never pin a pool slot.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	wt, ok := m.worktrees[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrWorktreeNotFound
	}
	delete(m.worktrees, id)
	repoPath := m.repoCache[wt.ProjectID]
	m.mu.Unlock()

	m.remove(wt, repoPath)

	m.log.Info("deleted worktree", zap.String("worktree_id", id))
	m.save(wt)
	return nil
}

// List returns a snapshot of all tracked worktrees.
func (m *Manager) List() []*domain.Worktree {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Worktree, 0, len(m.worktrees))
	for _, wt := range m.worktrees {
		snap := *wt
		out = append(out, &snap)
	}
	return out
}

// GetStats returns pool utilization.
func (m *Manager) GetStats() *domain.WorktreeStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &domain.WorktreeStats{
		Active:    m.countActive(),
		MaxActive: m.cfg.MaxActive,
	}
}

// Cleanup force-removes every active worktree whose last use is older than
// cfg.MaxAge. Individual failures are swallowed so one broken worktree
// cannot block the sweep; this is the backstop for crashed jobs that never
// released their worktree.
func (m *Manager) Cleanup() {
	now := time.Now()

	m.mu.Lock()
	var stale []*domain.Worktree
	repoPaths := make(map[string]string)
	for id, wt := range m.worktrees {
		if now.Sub(wt.LastUsedAt) <= m.cfg.MaxAge {
			continue
		}
		stale = append(stale, wt)
		repoPaths[wt.ProjectID] = m.repoCache[wt.ProjectID]
		delete(m.worktrees, id)
	}
	m.mu.Unlock()

	for _, wt := range stale {
		m.log.Info("reclaiming stale worktree",
			zap.String("worktree_id", wt.ID),
			zap.Time("last_used", wt.LastUsedAt))

		m.remove(wt, repoPaths[wt.ProjectID])
		m.save(wt)
	}
}

// remove performs the git-level removal with a filesystem fallback and marks
// the record deleted. The record must already be off the active map; remove
// runs without the lock.
func (m *Manager) remove(wt *domain.Worktree, repoPath string) {
	if repoPath != "" {
		if _, err := runGit(repoPath, "worktree", "remove", "--force", wt.Path); err != nil {
			m.log.Warn("git worktree removal failed, deleting directory",
				zap.String("worktree_id", wt.ID),
				zap.Error(err))
			_ = os.RemoveAll(wt.Path)
		}
	} else {
		_ = os.RemoveAll(wt.Path)
	}

	wt.Status = domain.WorktreeStatusDeleted
}

// ensureRepo returns the shared clone path for a project, cloning on first
// use. cloneMu serializes clones so concurrent creates for a new project do
// not race into the same directory; the pool lock is never held across the
// clone.
func (m *Manager) ensureRepo(ctx context.Context, projectID string) (string, error) {
	m.cloneMu.Lock()
	defer m.cloneMu.Unlock()

	m.mu.RLock()
	path, ok := m.repoCache[projectID]
	m.mu.RUnlock()
	if ok {
		return path, nil
	}

	url, err := m.resolve(projectID)
	if err != nil {
		return "", errors.Wrapf(domain.ErrRepoUnavailable, "resolve project %s: %v", projectID, err)
	}

	path = filepath.Join(m.cfg.BasePath, "repos", sanitizePathComponent(projectID))
	if _, err := gogit.PlainCloneContext(ctx, path, false, &gogit.CloneOptions{URL: url}); err != nil {
		_ = os.RemoveAll(path)
		return "", errors.Wrapf(domain.ErrRepoUnavailable, "clone %s: %v", url, err)
	}

	m.log.Info("cloned repository",
		zap.String("project_id", projectID),
		zap.String("path", path))

	m.mu.Lock()
	m.repoCache[projectID] = path
	m.mu.Unlock()
	return path, nil
}

func (m *Manager) countActive() int {
	n := 0
	for _, wt := range m.worktrees {
		if wt.Status == domain.WorktreeStatusActive {
			n++
		}
	}
	return n
}

// save persists a snapshot of the record off the hot path. Failures are
// logged only; durability never gates pool operations.
func (m *Manager) save(wt *domain.Worktree) {
	if m.rec == nil {
		return
	}
	snap := *wt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.rec.SaveWorktree(ctx, &snap); err != nil {
			m.log.Warn("persist worktree record", zap.String("worktree_id", snap.ID), zap.Error(err))
		}
	}()
}
