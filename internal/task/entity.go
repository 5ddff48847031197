package task

import "time"

// AgentTask is an immutable unit of AI-assisted work against a repository.
// The orchestration core never mutates a submitted task; components that
// need a variant (e.g. a rewritten repository path for worktree isolation)
// derive a copy via WithRepoPath.
type AgentTask struct {
	ID          string            `yaml:"id"`
	Prompt      string            `yaml:"prompt"`
	ProjectID   string            `yaml:"project_id"`
	RepoPath    string            `yaml:"repo_path"`
	RepoKey     string            `yaml:"repo_key"`
	ContextFile string            `yaml:"context_file,omitempty"`
	SessionID   string            `yaml:"session_id,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
	Options     *ExecutionOptions `yaml:"options,omitempty"`
	CreatedAt   time.Time         `yaml:"created_at"`
}

// ExecutionOptions tune how a capability executes the task.
type ExecutionOptions struct {
	Model          string        `yaml:"model,omitempty"`
	PermissionMode string        `yaml:"permission_mode,omitempty"`
	MaxTurns       int           `yaml:"max_turns,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

// WithRepoPath returns a copy of the task pointing at a different working
// copy. The original task is left untouched.
func (t *AgentTask) WithRepoPath(path string) *AgentTask {
	copied := *t
	copied.RepoPath = path
	return &copied
}
