package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from environment variables at startup.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"db/migrations"`

	Queue    QueueConfig
	Worktree WorktreeConfig
	Dispatch DispatchConfig
}

// QueueConfig bounds the worker pool and admission cadence.
type QueueConfig struct {
	MaxParallelJobs    int           `env:"MAX_PARALLEL_JOBS" envDefault:"12"`
	ProjectMaxParallel int           `env:"PROJECT_MAX_PARALLEL" envDefault:"3"`
	AdmissionInterval  time.Duration `env:"ADMISSION_INTERVAL" envDefault:"1s"`
	ResultBuffer       int           `env:"RESULT_BUFFER" envDefault:"100"`
	BranchPrefix       string        `env:"BRANCH_PREFIX" envDefault:"agent/ticket-"`
}

// WorktreeConfig bounds the worktree pool and its reclamation sweep.
type WorktreeConfig struct {
	BasePath        string        `env:"WORKTREE_BASE_PATH" envDefault:"/tmp/agentq-worktrees"`
	MaxActive       int           `env:"WORKTREE_MAX_ACTIVE" envDefault:"20"`
	CleanupInterval time.Duration `env:"WORKTREE_CLEANUP_INTERVAL" envDefault:"5m"`
	MaxAge          time.Duration `env:"WORKTREE_MAX_AGE" envDefault:"2h"`
}

// DispatchConfig points at the external execution host.
type DispatchConfig struct {
	// RepoURLTemplate expands a project id into its clone URL, e.g.
	// "https://github.com/%s.git".
	RepoURLTemplate string        `env:"REPO_URL_TEMPLATE,notEmpty"`
	URL             string        `env:"DISPATCH_URL,notEmpty"`
	Token           string        `env:"DISPATCH_TOKEN"`
	Timeout         time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
