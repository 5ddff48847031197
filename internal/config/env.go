package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/kazz187/agentflow/pkg/clog"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

type QueueEnv struct {
	Concurrency   int           `envconfig:"QUEUE_CONCURRENCY" default:"4"`
	RetryAttempts int           `envconfig:"QUEUE_RETRY_ATTEMPTS" default:"2"`
	RetryDelay    time.Duration `envconfig:"QUEUE_RETRY_DELAY" default:"5s"`
	MaxSize       int           `envconfig:"QUEUE_MAX_SIZE" default:"256"`
}

type ExecutorEnv struct {
	MaxConcurrency       int  `envconfig:"EXECUTOR_MAX_CONCURRENCY" default:"4"`
	UseWorktreeIsolation bool `envconfig:"EXECUTOR_WORKTREE_ISOLATION" default:"true"`
}

type WorktreeEnv struct {
	Root       string `envconfig:"WORKTREE_ROOT" default:".agentflow/worktrees"`
	BaseBranch string `envconfig:"WORKTREE_BASE_BRANCH" default:"main"`
}

type WorkflowEnv struct {
	DefsDir        string        `envconfig:"WORKFLOW_DEFS_DIR" default:".agentflow/workflows"`
	DefaultTimeout time.Duration `envconfig:"WORKFLOW_DEFAULT_TIMEOUT" default:"0"`
}

type Env struct {
	BaseEnv
	QueueEnv
	ExecutorEnv
	WorktreeEnv
	WorkflowEnv
}

const namespace = "AGENTFLOW"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	return clog.ParseSlogLevel(e.LogLevel)
}
