package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/agentflow/internal/eventbus"
	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/pkg/cerr"
	"github.com/kazz187/agentflow/pkg/clog"
	"github.com/kazz187/agentflow/pkg/panicerr"
)

// TaskExecutor runs one agent task on behalf of a task step. The engine
// does not schedule tasks itself; the caller wires in the queue or the
// parallel executor here.
type TaskExecutor func(ctx context.Context, t *task.AgentTask) (*StepOutput, error)

// Engine evaluates workflow definitions. One engine serves many
// executions, with at most one tracked execution per workflow id.
type Engine struct {
	taskExec TaskExecutor
	bus      *eventbus.Bus

	mu     sync.Mutex
	active map[string]*execution
}

type execution struct {
	cancelled atomic.Bool
}

func NewEngine(taskExec TaskExecutor, bus *eventbus.Bus) *Engine {
	return &Engine{
		taskExec: taskExec,
		bus:      bus,
		active:   make(map[string]*execution),
	}
}

// On registers a lifecycle event subscriber and returns a function that
// removes exactly that subscriber.
func (e *Engine) On(fn func(*eventbus.Event)) func() {
	return e.bus.SubscribeFunc(fn)
}

// Cancel flags the active execution of the given workflow for
// cooperative cancellation. The flag is honored between steps; a step
// already in flight runs to its own completion. Returns false when no
// execution with that id is active.
func (e *Engine) Cancel(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.active[workflowID]
	if !ok {
		return false
	}
	ex.cancelled.Store(true)
	return true
}

// Active returns the workflow ids currently executing.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs the definition's step tree to a final Result. It never
// returns an error: every failure mode is folded into the result status.
// A zero Timeout waits indefinitely.
func (e *Engine) Execute(ctx context.Context, def *Definition) *Result {
	start := time.Now()
	if def == nil || def.Root == nil {
		return &Result{
			Status:      StatusFailed,
			Err:         cerr.NewError(cerr.InvalidConfiguration, "workflow has no root step", nil),
			StartedAt:   start,
			CompletedAt: time.Now(),
		}
	}

	ex := &execution{}
	e.mu.Lock()
	if _, running := e.active[def.ID]; running {
		e.mu.Unlock()
		return &Result{
			WorkflowID:  def.ID,
			Status:      StatusFailed,
			Err:         cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("workflow %s is already running", def.ID), nil),
			StartedAt:   start,
			CompletedAt: time.Now(),
		}
	}
	e.active[def.ID] = ex
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, def.ID)
		e.mu.Unlock()
	}()

	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttribute(ctx, "workflow_id", def.ID)
	wfCtx := NewContext(def.ID)
	e.bus.PublishNew(eventbus.WorkflowStarted, def.ID, "", def.Name)
	slog.InfoContext(ctx, "workflow started", "name", def.Name)

	// The step tree runs on its own goroutine so the result can be
	// finalized by the timeout race. A timed-out tree is not killed; it
	// keeps recording into wfCtx until it settles on its own.
	done := make(chan error, 1)
	go func() {
		done <- e.evalStep(ctx, ex, wfCtx, def.Root)
	}()

	var deadline <-chan time.Time
	if def.Timeout > 0 {
		timer := time.NewTimer(def.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var (
		status Status
		err    error
	)
	select {
	case err = <-done:
		switch {
		case err == nil:
			status = StatusCompleted
		case cerr.Is(err, cerr.Canceled):
			status = StatusCancelled
		default:
			status = StatusFailed
		}
	case <-deadline:
		status = StatusTimeout
		err = cerr.NewError(cerr.WorkflowTimeout,
			fmt.Sprintf("workflow %s exceeded its %s timeout", def.ID, def.Timeout), context.DeadlineExceeded)
		ex.cancelled.Store(true)
	case <-ctx.Done():
		status = StatusCancelled
		err = cerr.NewError(cerr.Canceled, "workflow context cancelled", ctx.Err())
		ex.cancelled.Store(true)
	}

	result := &Result{
		WorkflowID:  def.ID,
		Status:      status,
		Err:         err,
		StartedAt:   start,
		CompletedAt: time.Now(),
		Steps:       wfCtx.Results(),
		StepResults: wfCtx.OrderedResults(),
	}
	e.publishFinal(ctx, result)
	return result
}

func (e *Engine) publishFinal(ctx context.Context, r *Result) {
	var (
		eventType = eventbus.WorkflowCompleted
		payload   string
	)
	switch r.Status {
	case StatusFailed:
		eventType = eventbus.WorkflowFailed
	case StatusTimeout:
		eventType = eventbus.WorkflowTimeout
	case StatusCancelled:
		eventType = eventbus.WorkflowCancelled
	}
	if r.Err != nil {
		payload = r.Err.Error()
	}
	e.bus.PublishNew(eventType, r.WorkflowID, "", payload)
	if r.Err != nil {
		clog.AddError(ctx, r.Err)
		slog.WarnContext(ctx, "workflow finished", "status", r.Status, "duration", r.CompletedAt.Sub(r.StartedAt))
		return
	}
	slog.InfoContext(ctx, "workflow finished", "status", r.Status, "duration", r.CompletedAt.Sub(r.StartedAt))
}

// evalStep evaluates one node of the step tree, records its result in
// wfCtx and returns the failure that should propagate to the parent.
func (e *Engine) evalStep(ctx context.Context, ex *execution, wfCtx *Context, step Step) error {
	if ex.cancelled.Load() {
		return cerr.NewError(cerr.Canceled, fmt.Sprintf("workflow %s cancelled", wfCtx.WorkflowID), nil)
	}

	id := step.StepID()
	slog.DebugContext(ctx, "step started", "step_id", id)
	e.bus.PublishNew(eventbus.StepStarted, wfCtx.WorkflowID, id, "")
	result := &StepResult{
		StepID:    id,
		Status:    StepRunning,
		StartedAt: time.Now(),
	}

	var err error
	switch s := step.(type) {
	case *TaskStep:
		result.Output, err = e.runTask(ctx, s)
	case *SequentialStep:
		err = e.runSequential(ctx, ex, wfCtx, s)
	case *ParallelStep:
		err = e.runParallel(ctx, ex, wfCtx, s)
	case *BranchStep:
		err = e.runBranch(ctx, ex, wfCtx, s)
	default:
		err = cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("unknown step kind %T", step), nil)
	}

	result.CompletedAt = time.Now()
	if err != nil {
		result.Status = StepFailed
		result.Err = err
		wfCtx.record(result)
		e.bus.PublishNew(eventbus.StepCompleted, wfCtx.WorkflowID, id, string(StepFailed))
		if cerr.Is(err, cerr.Canceled) {
			return err
		}
		return cerr.NewError(cerr.StepFailed, fmt.Sprintf("step %s failed", id), err)
	}
	result.Status = StepCompleted
	wfCtx.record(result)
	e.bus.PublishNew(eventbus.StepCompleted, wfCtx.WorkflowID, id, string(StepCompleted))
	return nil
}

func (e *Engine) runTask(ctx context.Context, s *TaskStep) (*StepOutput, error) {
	if e.taskExec == nil {
		return nil, cerr.NewError(cerr.InvalidConfiguration, "engine has no task executor", nil)
	}
	var out *StepOutput
	err := panicerr.SafeContext(func(ctx context.Context) error {
		var execErr error
		out, execErr = e.taskExec(ctx, s.Task)
		return execErr
	})(ctx)
	return out, err
}

// runSequential stops at the first failing child; remaining siblings
// never start.
func (e *Engine) runSequential(ctx context.Context, ex *execution, wfCtx *Context, s *SequentialStep) error {
	for _, child := range s.Steps {
		if err := e.evalStep(ctx, ex, wfCtx, child); err != nil {
			return err
		}
	}
	return nil
}

// runParallel waits for every child to settle regardless of earlier
// failures, then aggregates. Siblings of a failed child are never
// cancelled early.
func (e *Engine) runParallel(ctx context.Context, ex *execution, wfCtx *Context, s *ParallelStep) error {
	p := pool.New().WithErrors()
	for _, child := range s.Steps {
		p.Go(func() error {
			return e.evalStep(ctx, ex, wfCtx, child)
		})
	}
	return p.Wait()
}

func (e *Engine) runBranch(ctx context.Context, ex *execution, wfCtx *Context, s *BranchStep) error {
	taken := s.Condition != nil && s.Condition(wfCtx)
	next := s.Else
	if taken {
		next = s.Then
	}
	if next == nil {
		// no branch to take, succeed as a no-op
		return nil
	}
	return e.evalStep(ctx, ex, wfCtx, next)
}
