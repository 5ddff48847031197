// Package daemon wires the orchestration core together: the task queue
// feeds the parallel executor, the executor isolates tasks in worktrees,
// and the workflow engine submits its task steps through the queue.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/agentflow/internal/capability"
	"github.com/kazz187/agentflow/internal/config"
	"github.com/kazz187/agentflow/internal/eventbus"
	"github.com/kazz187/agentflow/internal/executor"
	"github.com/kazz187/agentflow/internal/queue"
	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/internal/workflow"
	"github.com/kazz187/agentflow/internal/worktree"
	"github.com/kazz187/agentflow/pkg/cerr"
)

// drainTimeout bounds how long shutdown waits for in-flight tasks.
const drainTimeout = 2 * time.Minute

type Daemon struct {
	env       *config.Env
	bus       *eventbus.Bus
	queue     *queue.TaskQueue
	worktrees *worktree.Manager
	executor  *executor.ParallelExecutor
	engine    *workflow.Engine
	registry  *workflow.Registry

	claude *capability.ClaudeCapability
	script *capability.ScriptCapability

	// streamOutput mirrors capability output events to stdout with a
	// per-task color prefix. Enabled for local runs.
	streamOutput bool
}

func New(env *config.Env) (*Daemon, error) {
	d := &Daemon{
		env:          env,
		bus:          eventbus.New(),
		worktrees:    worktree.NewManager(worktree.Config{Root: env.WorktreeEnv.Root, BaseBranch: env.WorktreeEnv.BaseBranch}),
		claude:       capability.NewClaudeCapability(""),
		script:       capability.NewScriptCapability(),
		streamOutput: env.Env == "local",
	}

	exec, err := executor.New(executor.Config{
		MaxConcurrency:       env.ExecutorEnv.MaxConcurrency,
		UseWorktreeIsolation: env.ExecutorEnv.UseWorktreeIsolation,
	}, d.worktrees)
	if err != nil {
		return nil, err
	}
	d.executor = exec

	d.queue = queue.New(queue.Config{
		Concurrency:   env.QueueEnv.Concurrency,
		RetryAttempts: env.QueueEnv.RetryAttempts,
		RetryDelay:    env.QueueEnv.RetryDelay,
		MaxSize:       env.QueueEnv.MaxSize,
	})
	d.queue.SetHandler(d.handleTask)

	d.engine = workflow.NewEngine(d.executeStepTask, d.bus)
	d.registry = workflow.NewRegistry(env.WorkflowEnv.DefsDir)
	return d, nil
}

// Start runs the daemon until ctx is cancelled, then drains in-flight
// work and cleans up worktrees.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.env.WorkflowEnv.DefsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflow definitions dir: %w", err)
	}
	if err := d.registry.Reload(); err != nil {
		return err
	}

	stop := d.bus.SubscribeFunc(func(event *eventbus.Event) {
		slog.Debug("workflow event",
			"type", event.Type, "workflow_id", event.WorkflowID, "step_id", event.StepID)
	})
	defer stop()

	slog.Info("daemon started",
		"queue_concurrency", d.env.QueueEnv.Concurrency,
		"executor_concurrency", d.env.ExecutorEnv.MaxConcurrency,
		"worktree_isolation", d.env.ExecutorEnv.UseWorktreeIsolation,
		"workflow_dir", d.env.WorkflowEnv.DefsDir)

	p := pool.New().WithContext(ctx)
	p.Go(d.registry.Watch)
	err := p.Wait()

	d.shutdown()
	return err
}

// RunWorkflow executes a registered workflow definition by id.
func (d *Daemon) RunWorkflow(ctx context.Context, id string) (*workflow.Result, error) {
	def, ok := d.registry.Get(id)
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("workflow %s is not registered", id), nil)
	}
	return d.Execute(ctx, def), nil
}

// Execute runs one workflow definition to completion.
func (d *Daemon) Execute(ctx context.Context, def *workflow.Definition) *workflow.Result {
	if def.Timeout == 0 && d.env.WorkflowEnv.DefaultTimeout > 0 {
		copied := *def
		copied.Timeout = d.env.WorkflowEnv.DefaultTimeout
		def = &copied
	}
	return d.engine.Execute(ctx, def)
}

// Submit adds a standalone task to the queue.
func (d *Daemon) Submit(t *task.AgentTask, priority int) (string, error) {
	return d.queue.Add(t, priority)
}

func (d *Daemon) Queue() *queue.TaskQueue      { return d.queue }
func (d *Daemon) Engine() *workflow.Engine     { return d.engine }
func (d *Daemon) Registry() *workflow.Registry { return d.registry }

// Shutdown waits for in-flight tasks and removes leftover worktrees.
func (d *Daemon) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.queue.Drain(drainCtx); err != nil {
		slog.Warn("queue did not drain before shutdown deadline", "error", err)
	}
	d.queue.Close()

	if err := d.worktrees.CleanupAll(drainCtx); err != nil {
		slog.Warn("worktree cleanup incomplete", "error", err)
	}
	d.bus.Close()
	slog.Info("daemon stopped")
}

// handleTask is the queue handler: each task becomes a single-item batch
// on the parallel executor, which applies worktree isolation.
func (d *Daemon) handleTask(ctx context.Context, t *task.AgentTask) error {
	results := d.executor.ExecuteParallel(ctx, []executor.Item{
		{Task: t, Capability: d.capabilityFor(t)},
	})
	return results[0].Err
}

// executeStepTask satisfies the workflow engine's task executor by
// routing each task step through the queue, so step execution competes
// for the same concurrency slots and retry policy as standalone tasks.
func (d *Daemon) executeStepTask(ctx context.Context, t *task.AgentTask) (*workflow.StepOutput, error) {
	id, err := d.queue.Add(t, stepPriority(t))
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.queue.Cancel(id)
			return nil, ctx.Err()
		case <-ticker.C:
			queued, ok := d.queue.Get(id)
			if !ok {
				return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %s vanished from the queue", id), nil)
			}
			switch queued.Status {
			case queue.StatusCompleted:
				return &workflow.StepOutput{Text: t.Prompt, SessionID: t.SessionID}, nil
			case queue.StatusFailed:
				return nil, queued.Err
			case queue.StatusCancelled:
				return nil, cerr.NewError(cerr.Canceled, fmt.Sprintf("task %s was cancelled", id), nil)
			}
		}
	}
}

func (d *Daemon) capabilityFor(t *task.AgentTask) capability.Capability {
	var c capability.Capability = d.claude
	if t.Metadata["script"] != "" {
		c = d.script
	}
	if d.streamOutput {
		c = newPrintingCapability(c, os.Stdout)
	}
	return c
}

func stepPriority(t *task.AgentTask) int {
	p, err := strconv.Atoi(t.Metadata["priority"])
	if err != nil {
		return 0
	}
	return p
}
