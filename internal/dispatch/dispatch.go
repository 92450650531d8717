// Package dispatch hands admitted jobs to the external execution host. The
// adapter only reports whether the remote execution was started; the actual
// outcome arrives later through the callback endpoint.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/config"
	"github.com/you/agentq/internal/domain"
)

// Dispatcher starts remote execution for a job inside its worktree.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job, wt *domain.Worktree) error
}

// payload is the body delivered to the execution host's dispatch endpoint.
type payload struct {
	JobID          string `json:"job_id"`
	TicketID       string `json:"ticket_id"`
	ProjectID      string `json:"project_id"`
	Prompt         string `json:"prompt"`
	BranchName     string `json:"branch_name"`
	BaseBranch     string `json:"base_branch"`
	WorktreePath   string `json:"worktree_path"`
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

// HTTPDispatcher posts dispatch payloads to a CI-style dispatch API.
type HTTPDispatcher struct {
	cfg    config.DispatchConfig
	client *http.Client
	log    *zap.Logger
}

func NewHTTPDispatcher(cfg config.DispatchConfig, log *zap.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Dispatch delivers the job to the execution host. Any transport failure or
// non-2xx response means the remote execution was not started.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, job *domain.Job, wt *domain.Worktree) error {
	body, err := json.Marshal(payload{
		JobID:          job.ID,
		TicketID:       job.TicketID,
		ProjectID:      job.ProjectID,
		Prompt:         job.Prompt,
		BranchName:     job.BranchName,
		BaseBranch:     job.BaseBranch,
		WorktreePath:   wt.Path,
		CallbackURL:    job.CallbackURL,
		CallbackSecret: job.CallbackSecret,
	})
	if err != nil {
		return errors.Wrap(err, "marshal dispatch payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "dispatch request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("dispatch rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	d.log.Info("dispatched job to execution host",
		zap.String("job_id", job.ID),
		zap.String("ticket_id", job.TicketID),
		zap.String("branch", job.BranchName),
		zap.Duration("took", time.Since(start)))

	return nil
}
