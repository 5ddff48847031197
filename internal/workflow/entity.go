// Package workflow executes composable step trees (task, sequential,
// parallel, branch) against a shared per-execution context.
package workflow

import (
	"sync"
	"time"

	"github.com/kazz187/agentflow/internal/task"
)

// Step is a closed set: TaskStep, SequentialStep, ParallelStep and
// BranchStep are the only implementations.
type Step interface {
	isStep()
	StepID() string
}

// TaskStep executes a single agent task through the engine's injected
// task executor.
type TaskStep struct {
	ID   string
	Task *task.AgentTask
}

// SequentialStep runs its children in declared order and stops at the
// first failure.
type SequentialStep struct {
	ID    string
	Steps []Step
}

// ParallelStep runs all children concurrently and waits for every child
// to settle before reporting failure, so a fast failure never hides a
// sibling's diagnostics.
type ParallelStep struct {
	ID    string
	Steps []Step
}

// BranchStep evaluates Condition against the accumulated context and runs
// Then or Else. A false condition with no Else succeeds as a no-op.
type BranchStep struct {
	ID        string
	Condition func(*Context) bool
	Then      Step
	Else      Step
}

func (s *TaskStep) isStep()       {}
func (s *SequentialStep) isStep() {}
func (s *ParallelStep) isStep()   {}
func (s *BranchStep) isStep()     {}

func (s *TaskStep) StepID() string       { return s.ID }
func (s *SequentialStep) StepID() string { return s.ID }
func (s *ParallelStep) StepID() string   { return s.ID }
func (s *BranchStep) StepID() string     { return s.ID }

var (
	_ Step = (*TaskStep)(nil)
	_ Step = (*SequentialStep)(nil)
	_ Step = (*ParallelStep)(nil)
	_ Step = (*BranchStep)(nil)
)

// Definition is one runnable workflow. A zero Timeout means the execution
// waits indefinitely.
type Definition struct {
	ID      string
	Name    string
	Root    Step
	Timeout time.Duration
}

type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepOutput is what a task executor hands back for a completed step.
type StepOutput struct {
	Text      string
	SessionID string
}

// StepResult is the recorded outcome of one step evaluation.
type StepResult struct {
	StepID      string
	Status      StepStatus
	Output      *StepOutput
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Context is the shared state of one workflow execution. Step results
// accumulate monotonically; later branch conditions read earlier results.
type Context struct {
	WorkflowID string

	mu      sync.Mutex
	vars    map[string]string
	results map[string]*StepResult
	ordered []*StepResult
}

func NewContext(workflowID string) *Context {
	return &Context{
		WorkflowID: workflowID,
		vars:       make(map[string]string),
		results:    make(map[string]*StepResult),
	}
}

func (c *Context) SetVar(name, value string) {
	c.mu.Lock()
	c.vars[name] = value
	c.mu.Unlock()
}

func (c *Context) Var(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// Result returns the recorded result of a step, or nil if the step has
// not settled yet.
func (c *Context) Result(stepID string) *StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[stepID]
}

// Succeeded reports whether the named step has settled with a completed
// status. Unknown or still-running steps report false.
func (c *Context) Succeeded(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[stepID]
	return ok && r.Status == StepCompleted
}

func (c *Context) record(r *StepResult) {
	c.mu.Lock()
	c.results[r.StepID] = r
	c.ordered = append(c.ordered, r)
	c.mu.Unlock()
}

// Results returns a snapshot of all recorded step results.
func (c *Context) Results() map[string]*StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*StepResult, len(c.results))
	for id, r := range c.results {
		out[id] = r
	}
	return out
}

// OrderedResults returns the recorded step results in the order the
// steps settled. A composite step settles after its children.
func (c *Context) OrderedResults() []*StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*StepResult(nil), c.ordered...)
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result is the final outcome of one workflow execution. Steps is the
// keyed lookup; StepResults carries the same records in settle order.
type Result struct {
	WorkflowID  string
	Status      Status
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
	Steps       map[string]*StepResult
	StepResults []*StepResult
}
