package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/agentflow/internal/capability"
	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/internal/worktree"
	"github.com/kazz187/agentflow/pkg/cerr"
	"github.com/kazz187/agentflow/pkg/panicerr"
)

type Config struct {
	// MaxConcurrency bounds how many items run simultaneously. Values
	// below one are treated as one.
	MaxConcurrency int
	// UseWorktreeIsolation gives every item its own working copy for
	// the duration of its execution.
	UseWorktreeIsolation bool
}

// WorktreeProvider is the slice of the worktree manager the executor
// drives.
type WorktreeProvider interface {
	Create(ctx context.Context, taskID, repoPath string) (*worktree.Info, error)
	Remove(ctx context.Context, id string) error
}

// Item pairs a task with the capability that executes it.
type Item struct {
	Task       *task.AgentTask
	Capability capability.Capability
}

// Result is the per-item outcome. ExecuteParallel always produces one per
// submitted item; an item's failure is recorded here, never raised.
type Result struct {
	TaskID     string
	Success    bool
	Duration   time.Duration
	Err        error
	WorktreeID string
}

// ParallelExecutor runs batches of (task, capability) pairs under a
// concurrency cap, with opt-in per-task git-worktree isolation.
type ParallelExecutor struct {
	cfg       Config
	worktrees WorktreeProvider

	mu     sync.Mutex
	active map[string]struct{}
}

// New validates the configuration up front: requesting isolation without
// a worktree provider is a construction error, never a runtime surprise.
func New(cfg Config, worktrees WorktreeProvider) (*ParallelExecutor, error) {
	if cfg.UseWorktreeIsolation && worktrees == nil {
		return nil, cerr.NewError(cerr.InvalidConfiguration,
			"worktree isolation requires a worktree manager", nil)
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &ParallelExecutor{
		cfg:       cfg,
		worktrees: worktrees,
		active:    make(map[string]struct{}),
	}, nil
}

// ExecuteParallel runs every item and returns a complete per-item result
// list in submission order.
func (e *ParallelExecutor) ExecuteParallel(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))

	p := pool.New().WithMaxGoroutines(e.cfg.MaxConcurrency)
	for i, item := range items {
		p.Go(func() {
			results[i] = e.executeOne(ctx, item)
		})
	}
	p.Wait()

	return results
}

// ActiveExecutions returns the task IDs currently in flight.
func (e *ParallelExecutor) ActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll clears the in-flight bookkeeping. It does not terminate the
// underlying capability executions; cancellation is cooperative.
func (e *ParallelExecutor) CancelAll() {
	e.mu.Lock()
	e.active = make(map[string]struct{})
	e.mu.Unlock()
	slog.Info("parallel executor bookkeeping cleared")
}

func (e *ParallelExecutor) executeOne(ctx context.Context, item Item) Result {
	t := item.Task
	start := time.Now()

	e.mu.Lock()
	e.active[t.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, t.ID)
		e.mu.Unlock()
	}()

	var worktreeID string
	if e.cfg.UseWorktreeIsolation {
		info, err := e.worktrees.Create(ctx, t.ID, t.RepoPath)
		if err != nil {
			return Result{
				TaskID:   t.ID,
				Duration: time.Since(start),
				Err:      err,
			}
		}
		worktreeID = info.ID
		t = t.WithRepoPath(info.Path)

		// Release runs on every exit path. A cleanup failure is logged
		// and swallowed; it never turns this item's outcome into a
		// failure. The detached context lets cleanup finish even when
		// the batch context is already cancelled.
		defer func() {
			if err := e.worktrees.Remove(context.WithoutCancel(ctx), worktreeID); err != nil {
				slog.Warn("worktree release failed", "task_id", item.Task.ID, "worktree_id", worktreeID, "error", err)
			}
		}()
	}

	err := panicerr.Safe(func() error {
		return e.consume(ctx, item.Capability, t)
	})()

	return Result{
		TaskID:     item.Task.ID,
		Success:    err == nil,
		Duration:   time.Since(start),
		Err:        err,
		WorktreeID: worktreeID,
	}
}

// consume pulls the capability's event stream until a terminal event or
// exhaustion. Exhaustion without a terminal event counts as success.
func (e *ParallelExecutor) consume(ctx context.Context, c capability.Capability, t *task.AgentTask) error {
	stream, err := c.Execute(ctx, t)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		event, ok := stream.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		switch event.Type {
		case capability.EventComplete:
			return nil
		case capability.EventError:
			if event.Err != nil {
				return event.Err
			}
			return fmt.Errorf("task execution failed: %s", event.Text)
		case capability.EventRateLimit:
			slog.Warn("capability rate limited", "task_id", t.ID, "detail", event.Text)
		}
	}
}
