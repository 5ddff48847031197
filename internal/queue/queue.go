package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/pkg/cerr"
	"github.com/kazz187/agentflow/pkg/panicerr"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Handler executes one task. A returned error (or panic) counts as a
// failed attempt and is governed by the retry policy.
type Handler func(ctx context.Context, t *task.AgentTask) error

type Config struct {
	// Concurrency bounds how many handlers run simultaneously. Values
	// below one are treated as one.
	Concurrency int
	// RetryAttempts is the number of re-executions after the first
	// failure, so a task failing every time runs RetryAttempts+1 times.
	RetryAttempts int
	// RetryDelay is the fixed delay before a failed task is eligible to
	// run again. Not exponential.
	RetryDelay time.Duration
	// MaxSize caps queued plus running entries; zero means unbounded.
	MaxSize int
}

// QueuedTask is the queue-owned wrapper around a submitted task. Accessors
// hand out copies; only the internal scheduler mutates the live record.
type QueuedTask struct {
	ID          string
	Task        *task.AgentTask
	Priority    int
	Status      Status
	RetryCount  int
	AddedAt     time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Err         error

	seq        uint64    // FIFO tiebreaker within a priority tier
	eligibleAt time.Time // earliest dispatch time after a failed attempt
}

type Stats struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Total     int
}

// TaskQueue is a priority-ordered, concurrency-bounded scheduler with
// fixed-delay retry. One task's failure never affects another's progress.
type TaskQueue struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*QueuedTask
	handler Handler
	running int
	nextSeq uint64
}

func New(cfg Config) *TaskQueue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueue{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*QueuedTask),
	}
}

// SetHandler installs or replaces the execution function. The scheduler
// does not dispatch anything until a handler is set.
func (q *TaskQueue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	q.dispatch()
}

// Add enqueues a task and schedules processing without blocking the
// caller. It returns the queue entry ID: the task's own ID when that is
// free, otherwise a fresh ULID, so re-submitting a task (a workflow step
// executed again, a retry by the caller) is always admitted. The only
// admission failure is QueueFull.
func (q *TaskQueue) Add(t *task.AgentTask, priority int) (string, error) {
	q.mu.Lock()
	active := 0
	for _, qt := range q.tasks {
		if !qt.Status.Terminal() {
			active++
		}
	}
	if q.cfg.MaxSize > 0 && active >= q.cfg.MaxSize {
		q.mu.Unlock()
		return "", cerr.NewError(cerr.QueueFull,
			fmt.Sprintf("queue is full (max size %d)", q.cfg.MaxSize), nil)
	}
	id := t.ID
	if _, exists := q.tasks[id]; id == "" || exists {
		id = ulid.Make().String()
	}
	q.nextSeq++
	q.tasks[id] = &QueuedTask{
		ID:       id,
		Task:     t,
		Priority: priority,
		Status:   StatusQueued,
		AddedAt:  time.Now(),
		seq:      q.nextSeq,
	}
	q.mu.Unlock()

	slog.Debug("task enqueued", "task_id", id, "priority", priority)
	q.dispatch()
	return id, nil
}

// Cancel marks a queued or running entry cancelled. A cancelled queued
// entry never starts. Cancelling a running entry only flags it; the
// handler is not interrupted. Returns false for unknown or already
// terminal entries.
func (q *TaskQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[id]
	if !ok || qt.Status.Terminal() {
		return false
	}
	wasQueued := qt.Status == StatusQueued
	qt.Status = StatusCancelled
	if wasQueued {
		now := time.Now()
		qt.CompletedAt = &now
	}
	slog.Info("task cancelled", "task_id", id, "was_queued", wasQueued)
	return true
}

func (q *TaskQueue) Get(id string) (*QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	copied := *qt
	return &copied, true
}

// List returns snapshots, optionally filtered by status, ordered by
// enqueue time.
func (q *TaskQueue) List(statuses ...Status) []*QueuedTask {
	match := func(s Status) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	q.mu.Lock()
	out := make([]*QueuedTask, 0, len(q.tasks))
	for _, qt := range q.tasks {
		if match(qt.Status) {
			copied := *qt
			out = append(out, &copied)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{Total: len(q.tasks)}
	for _, qt := range q.tasks {
		switch qt.Status {
		case StatusQueued:
			st.Queued++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Drain blocks until no entry is queued or running, or ctx is done.
func (q *TaskQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := q.Stats()
		if st.Queued == 0 && st.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cleanup purges all terminal-state entries and returns how many were
// removed.
func (q *TaskQueue) Cleanup() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, qt := range q.tasks {
		if qt.Status.Terminal() {
			delete(q.tasks, id)
			n++
		}
	}
	return n
}

// Close stops the queue's context. Running handlers observe the
// cancellation through their context; the queue does not wait for them.
func (q *TaskQueue) Close() {
	q.cancel()
}

// dispatch admits queued entries while a concurrency slot is free.
// Candidate order is priority descending, enqueue order ascending within
// a tier. Every completion re-triggers dispatch.
func (q *TaskQueue) dispatch() {
	for {
		q.mu.Lock()
		if q.handler == nil || q.running >= q.cfg.Concurrency {
			q.mu.Unlock()
			return
		}
		qt := q.pickLocked()
		if qt == nil {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		qt.Status = StatusRunning
		qt.StartedAt = &now
		q.running++
		handler := q.handler
		id, t := qt.ID, qt.Task
		q.mu.Unlock()

		go q.run(id, t, handler)
	}
}

// pickLocked selects the best eligible queued entry. Caller holds q.mu.
func (q *TaskQueue) pickLocked() *QueuedTask {
	now := time.Now()
	var best *QueuedTask
	for _, qt := range q.tasks {
		if qt.Status != StatusQueued || qt.eligibleAt.After(now) {
			continue
		}
		if best == nil ||
			qt.Priority > best.Priority ||
			(qt.Priority == best.Priority && qt.seq < best.seq) {
			best = qt
		}
	}
	return best
}

func (q *TaskQueue) run(id string, t *task.AgentTask, handler Handler) {
	slog.Debug("task started", "task_id", id)
	err := panicerr.SafeContext(func(ctx context.Context) error {
		return handler(ctx, t)
	})(q.ctx)
	q.finish(id, err)
}

func (q *TaskQueue) finish(id string, err error) {
	retryDelay := time.Duration(-1)

	q.mu.Lock()
	q.running--
	qt, ok := q.tasks[id]
	switch {
	case !ok:
		// Removed by Cleanup while running; nothing to record.
	case qt.Status == StatusCancelled:
		// Flagged while running; the result is discarded.
		now := time.Now()
		qt.CompletedAt = &now
	case err == nil:
		now := time.Now()
		qt.Status = StatusCompleted
		qt.CompletedAt = &now
	case qt.RetryCount < q.cfg.RetryAttempts:
		qt.RetryCount++
		qt.Status = StatusQueued
		qt.StartedAt = nil
		qt.Err = cerr.NewError(cerr.TaskExecutionFailed, "task execution failed", err)
		qt.eligibleAt = time.Now().Add(q.cfg.RetryDelay)
		retryDelay = q.cfg.RetryDelay
	default:
		now := time.Now()
		qt.Status = StatusFailed
		qt.CompletedAt = &now
		qt.Err = cerr.NewError(cerr.TaskExecutionFailed, "task execution failed", err)
	}
	var retryCount int
	if ok {
		retryCount = qt.RetryCount
	}
	q.mu.Unlock()

	switch {
	case err == nil:
		slog.Debug("task completed", "task_id", id)
	case retryDelay >= 0:
		slog.Warn("task failed, will retry", "task_id", id, "retry_count", retryCount, "error", err)
		time.AfterFunc(retryDelay, q.dispatch)
	default:
		slog.Warn("task failed permanently", "task_id", id, "error", err)
	}

	q.dispatch()
}
