package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pressly/goose"
	"go.uber.org/zap"

	"github.com/you/agentq/internal/api"
	"github.com/you/agentq/internal/config"
	"github.com/you/agentq/internal/dispatch"
	"github.com/you/agentq/internal/queue"
	"github.com/you/agentq/internal/storage"
	"github.com/you/agentq/internal/worktree"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("application error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := migrate(cfg); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	store := storage.New(db)

	resolve := func(projectID string) (string, error) {
		return fmt.Sprintf(cfg.Dispatch.RepoURLTemplate, projectID), nil
	}
	wm := worktree.NewManager(cfg.Worktree, resolve, store, log)

	d := dispatch.NewHTTPDispatcher(cfg.Dispatch, log)
	qm := queue.NewManager(cfg.Queue, wm, d, store, nil, log)

	log.Info("starting agentq orchestrator",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.APIAddr),
		zap.Int("max_parallel", cfg.Queue.MaxParallelJobs),
		zap.Int("max_worktrees", cfg.Worktree.MaxActive))

	go qm.Start(ctx)
	go sweepWorktrees(ctx, wm, cfg.Worktree.CleanupInterval)

	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      api.NewRouter(qm, wm, store, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

// migrate applies goose migrations over a short-lived database/sql handle.
func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}

// sweepWorktrees periodically reclaims stale worktrees.
func sweepWorktrees(ctx context.Context, wm *worktree.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wm.Cleanup()
		}
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
