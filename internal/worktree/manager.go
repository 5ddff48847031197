package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentflow/pkg/cerr"
)

type Config struct {
	// Root is the directory under which isolated working copies live.
	Root string
	// BaseBranch is the branch new worktree branches are created from.
	// Empty means the repository HEAD.
	BaseBranch string
}

// Info describes one live isolated working copy. Exactly one Info exists
// per in-flight isolated task execution.
type Info struct {
	ID        string    `yaml:"id"`
	TaskID    string    `yaml:"task_id"`
	Path      string    `yaml:"path"`
	Branch    string    `yaml:"branch"`
	RepoPath  string    `yaml:"repo_path"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Manager owns the task to isolated-working-copy mapping. All git
// invocations go through argument-vector exec, never a shell.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	worktrees map[string]*Info
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		worktrees: make(map[string]*Info),
	}
}

// Create carves a new worktree and branch out of the repository at repoPath.
// The returned ID embeds a ULID (millisecond timestamp plus entropy), so
// repeated calls for the same task ID never collide. A failure mid-creation
// removes the partially created directory before returning.
func (m *Manager) Create(ctx context.Context, taskID, repoPath string) (*Info, error) {
	if _, err := git.PlainOpen(repoPath); err != nil {
		return nil, cerr.NewError(cerr.NotGitRepository,
			fmt.Sprintf("not a git repository: %s", repoPath), err)
	}

	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return nil, cerr.NewError(cerr.WorktreeCreationFailed,
			"failed to create worktree root directory", err)
	}

	id := fmt.Sprintf("%s-%s", taskID, ulid.Make())
	branch := "agentflow/" + id
	path := filepath.Join(m.cfg.Root, id)

	args := []string{"-C", repoPath, "worktree", "add", "-b", branch, path}
	if m.cfg.BaseBranch != "" {
		args = append(args, m.cfg.BaseBranch)
	}
	if out, err := runGit(ctx, args...); err != nil {
		// Leave nothing behind for a failed attempt.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			slog.Warn("failed to remove partial worktree directory", "path", path, "error", rmErr)
		}
		return nil, cerr.NewError(cerr.WorktreeCreationFailed,
			fmt.Sprintf("git worktree add failed: %s", out), err)
	}

	info := &Info{
		ID:        id,
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		RepoPath:  repoPath,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.worktrees[id] = info
	m.mu.Unlock()

	slog.Info("worktree created", "task_id", taskID, "worktree_id", id, "path", path)
	return info, nil
}

// Remove tears down the working directory and deletes its branch. Unknown
// IDs are a no-op. Branch deletion failure is ignored: directory removal is
// the operation whose success matters. On failure the mapping is retained
// so the caller may retry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	info, ok := m.worktrees[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if out, err := runGit(ctx, "-C", info.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
		return cerr.NewError(cerr.WorktreeRemovalFailed,
			fmt.Sprintf("git worktree remove failed: %s", out), err)
	}

	if out, err := runGit(ctx, "-C", info.RepoPath, "branch", "-D", info.Branch); err != nil {
		slog.Warn("failed to delete worktree branch", "worktree_id", id, "branch", info.Branch, "output", out)
	}

	m.mu.Lock()
	delete(m.worktrees, id)
	m.mu.Unlock()

	slog.Info("worktree removed", "task_id", info.TaskID, "worktree_id", id)
	return nil
}

func (m *Manager) Get(id string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.worktrees[id]
	if !ok {
		return nil, false
	}
	copied := *info
	return &copied, true
}

func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]*Info, 0, len(m.worktrees))
	for _, info := range m.worktrees {
		copied := *info
		infos = append(infos, &copied)
	}
	return infos
}

// CleanupAll removes every registered worktree, attempting each one
// regardless of individual failures, and returns the joined errors.
func (m *Manager) CleanupAll(ctx context.Context) error {
	return m.cleanup(ctx, func(*Info) bool { return true })
}

// CleanupOld removes worktrees older than maxAge with the same
// settle-all semantics as CleanupAll.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return m.cleanup(ctx, func(info *Info) bool {
		return info.CreatedAt.Before(cutoff)
	})
}

func (m *Manager) cleanup(ctx context.Context, match func(*Info) bool) error {
	m.mu.Lock()
	var ids []string
	for id, info := range m.worktrees {
		if match(info) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Remove(ctx, id); err != nil {
			slog.Warn("worktree cleanup failed", "worktree_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
