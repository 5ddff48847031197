package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentflow/internal/capability"
	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/internal/worktree"
	"github.com/kazz187/agentflow/pkg/cerr"
)

type stubCapability struct {
	events  []capability.Event
	execErr error
	delay   time.Duration

	mu    sync.Mutex
	paths []string
}

func (s *stubCapability) Execute(ctx context.Context, t *task.AgentTask) (capability.Stream, error) {
	s.mu.Lock()
	s.paths = append(s.paths, t.RepoPath)
	s.mu.Unlock()

	if s.execErr != nil {
		return nil, s.execErr
	}
	stream := capability.NewChannelStream(len(s.events) + 1)
	go func() {
		defer stream.CloseSend()
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return
			}
		}
		for i := range s.events {
			if !stream.Send(ctx, &s.events[i]) {
				return
			}
		}
	}()
	return stream, nil
}

type panicCapability struct{}

func (panicCapability) Execute(ctx context.Context, t *task.AgentTask) (capability.Stream, error) {
	panic("capability exploded")
}

type stubWorktrees struct {
	mu        sync.Mutex
	created   []string
	removed   []string
	createErr error
	removeErr error
}

func (s *stubWorktrees) Create(ctx context.Context, taskID, repoPath string) (*worktree.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	id := fmt.Sprintf("%s-wt%d", taskID, len(s.created))
	s.created = append(s.created, id)
	return &worktree.Info{
		ID:       id,
		TaskID:   taskID,
		Path:     filepath.Join("/tmp/worktrees", id),
		RepoPath: repoPath,
	}, nil
}

func (s *stubWorktrees) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	s.removed = append(s.removed, id)
	return nil
}

func newTask(id string) *task.AgentTask {
	return &task.AgentTask{ID: id, Prompt: "do " + id, RepoPath: "/repo"}
}

func completeEvents() []capability.Event {
	return []capability.Event{
		{Type: capability.EventStart},
		{Type: capability.EventOutput, Text: "working"},
		{Type: capability.EventComplete},
	}
}

func TestNewRequiresWorktreesWhenIsolated(t *testing.T) {
	_, err := New(Config{UseWorktreeIsolation: true}, nil)
	require.Error(t, err)
	assert.True(t, cerr.Is(err, cerr.InvalidConfiguration))

	_, err = New(Config{UseWorktreeIsolation: false}, nil)
	require.NoError(t, err)
}

func TestExecuteParallelIsolatesAndReleases(t *testing.T) {
	worktrees := &stubWorktrees{}
	exec, err := New(Config{MaxConcurrency: 2, UseWorktreeIsolation: true}, worktrees)
	require.NoError(t, err)

	cap1 := &stubCapability{events: completeEvents()}
	cap2 := &stubCapability{events: completeEvents()}
	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: cap1},
		{Task: newTask("t2"), Capability: cap2},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, "t2", results[1].TaskID)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.NoError(t, r.Err)
		assert.NotEmpty(t, r.WorktreeID)
	}

	// The capability must see the worktree path, not the original repo.
	assert.Contains(t, cap1.paths[0], "/tmp/worktrees/")
	assert.Contains(t, cap2.paths[0], "/tmp/worktrees/")

	// Every acquired worktree was released exactly once.
	assert.ElementsMatch(t, worktrees.created, worktrees.removed)
	assert.Empty(t, exec.ActiveExecutions())
}

func TestExecuteParallelWithoutIsolation(t *testing.T) {
	exec, err := New(Config{MaxConcurrency: 1}, nil)
	require.NoError(t, err)

	stub := &stubCapability{events: completeEvents()}
	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: stub},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].WorktreeID)
	assert.Equal(t, []string{"/repo"}, stub.paths)
}

func TestExecuteParallelReleasesWorktreeOnStreamError(t *testing.T) {
	worktrees := &stubWorktrees{}
	exec, err := New(Config{MaxConcurrency: 1, UseWorktreeIsolation: true}, worktrees)
	require.NoError(t, err)

	boom := errors.New("agent fell over")
	stub := &stubCapability{events: []capability.Event{
		{Type: capability.EventStart},
		{Type: capability.EventError, Err: boom},
	}}
	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: stub},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Err, boom)
	assert.Len(t, worktrees.removed, 1, "worktree must be released on failure too")
}

func TestExecuteParallelWorktreeCreateFailure(t *testing.T) {
	worktrees := &stubWorktrees{createErr: cerr.NewError(cerr.WorktreeCreationFailed, "disk full", nil)}
	exec, err := New(Config{MaxConcurrency: 1, UseWorktreeIsolation: true}, worktrees)
	require.NoError(t, err)

	stub := &stubCapability{events: completeEvents()}
	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: stub},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, cerr.Is(results[0].Err, cerr.WorktreeCreationFailed))
	assert.Empty(t, stub.paths, "capability must not run without its worktree")
	assert.Empty(t, worktrees.removed)
}

func TestExecuteParallelRemoveFailureDoesNotFailItem(t *testing.T) {
	worktrees := &stubWorktrees{removeErr: errors.New("worktree is locked")}
	exec, err := New(Config{MaxConcurrency: 1, UseWorktreeIsolation: true}, worktrees)
	require.NoError(t, err)

	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: &stubCapability{events: completeEvents()}},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NoError(t, results[0].Err)
}

func TestExecuteParallelRespectsConcurrencyBound(t *testing.T) {
	const n = 12
	const bound = 3

	var running, peak atomic.Int32
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{
			Task:       newTask(fmt.Sprintf("t%d", i)),
			Capability: &gaugeCapability{running: &running, peak: &peak},
		})
	}

	exec, err := New(Config{MaxConcurrency: bound}, nil)
	require.NoError(t, err)

	results := exec.ExecuteParallel(context.Background(), items)
	require.Len(t, results, n)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, peak.Load(), int32(bound))
	assert.Empty(t, exec.ActiveExecutions())
}

type gaugeCapability struct {
	running *atomic.Int32
	peak    *atomic.Int32
}

func (g *gaugeCapability) Execute(ctx context.Context, t *task.AgentTask) (capability.Stream, error) {
	cur := g.running.Add(1)
	for {
		old := g.peak.Load()
		if cur <= old || g.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	stream := capability.NewChannelStream(1)
	go func() {
		defer stream.CloseSend()
		time.Sleep(10 * time.Millisecond)
		g.running.Add(-1)
		stream.Send(ctx, &capability.Event{Type: capability.EventComplete})
	}()
	return stream, nil
}

func TestExecuteParallelRecoversCapabilityPanic(t *testing.T) {
	exec, err := New(Config{MaxConcurrency: 2}, nil)
	require.NoError(t, err)

	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("bad"), Capability: panicCapability{}},
		{Task: newTask("good"), Capability: &stubCapability{events: completeEvents()}},
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "capability exploded")
	assert.True(t, results[1].Success, "one panicking item must not poison the batch")
}

func TestExecuteParallelExecuteErrorFailsItem(t *testing.T) {
	exec, err := New(Config{MaxConcurrency: 1}, nil)
	require.NoError(t, err)

	boom := errors.New("no such agent")
	results := exec.ExecuteParallel(context.Background(), []Item{
		{Task: newTask("t1"), Capability: &stubCapability{execErr: boom}},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Err, boom)
}
