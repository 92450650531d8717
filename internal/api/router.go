package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/queue"
	"github.com/you/agentq/internal/worktree"
)

var startTime = time.Now()

// NewRouter builds the HTTP router for the orchestrator API.
func NewRouter(qm *queue.Manager, wm *worktree.Manager, history JobHistory, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := NewHandlers(qm, wm, history, log)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/metrics", h.Metrics)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/history", h.JobHistoryList)
			r.Get("/{jobID}", h.GetJob)
			r.Delete("/{jobID}", h.CancelJob)
		})

		r.Route("/worktrees", func(r chi.Router) {
			r.Get("/", h.ListWorktrees)
			r.Post("/", h.CreateWorktree)
			r.Delete("/{worktreeID}", h.DeleteWorktree)
		})

		r.Get("/queue", h.GetQueueStatus)

		r.Post("/callback", h.HandleCallback)
	})

	return r
}
