package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentflow/pkg/cerr"
)

const reviewFlow = `
id: review-flow
name: Review Flow
timeout: 5m
root:
  id: root
  type: sequential
  steps:
    - id: build
      type: task
      prompt: Build the project
      repo: /repos/app
      metadata:
        script: make build
    - id: checks
      type: parallel
      steps:
        - id: lint
          type: task
          prompt: Lint the project
        - id: test
          type: task
          prompt: Run the tests
    - id: gate
      type: branch
      when: build
      then:
        id: review
        type: task
        prompt: Review the diff
      else:
        id: report
        type: task
        prompt: Report the build failure
`

func TestLoadDecodesStepTree(t *testing.T) {
	def, err := Load(strings.NewReader(reviewFlow))
	require.NoError(t, err)

	assert.Equal(t, "review-flow", def.ID)
	assert.Equal(t, "Review Flow", def.Name)
	assert.Equal(t, 5*time.Minute, def.Timeout)

	root, ok := def.Root.(*SequentialStep)
	require.True(t, ok)
	require.Len(t, root.Steps, 3)

	build, ok := root.Steps[0].(*TaskStep)
	require.True(t, ok)
	assert.Equal(t, "build", build.ID)
	assert.Equal(t, "Build the project", build.Task.Prompt)
	assert.Equal(t, "/repos/app", build.Task.RepoPath)
	assert.Equal(t, "make build", build.Task.Metadata["script"])

	checks, ok := root.Steps[1].(*ParallelStep)
	require.True(t, ok)
	assert.Len(t, checks.Steps, 2)

	gate, ok := root.Steps[2].(*BranchStep)
	require.True(t, ok)
	require.NotNil(t, gate.Condition)
	require.NotNil(t, gate.Then)
	require.NotNil(t, gate.Else)
}

func TestLoadBranchConditionFollowsRecordedResults(t *testing.T) {
	def, err := Load(strings.NewReader(reviewFlow))
	require.NoError(t, err)

	gate := def.Root.(*SequentialStep).Steps[2].(*BranchStep)

	wfCtx := NewContext("wf")
	assert.False(t, gate.Condition(wfCtx), "build has not settled yet")

	wfCtx.record(&StepResult{StepID: "build", Status: StepCompleted})
	assert.True(t, gate.Condition(wfCtx))

	negated, err := Load(strings.NewReader(`
id: wf
root:
  id: gate
  type: branch
  when: "!build"
  then:
    id: fix
    type: task
    prompt: Fix the build
`))
	require.NoError(t, err)
	cond := negated.Root.(*BranchStep).Condition
	assert.False(t, cond(wfCtx), "build succeeded, negation is false")
	assert.True(t, cond(NewContext("other")))
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing root",
			yaml: "id: wf\nname: broken\n",
			want: "no root step",
		},
		{
			name: "missing step id",
			yaml: "id: wf\nroot:\n  type: task\n  prompt: hi\n",
			want: "missing an id",
		},
		{
			name: "duplicate step id",
			yaml: `
id: wf
root:
  id: root
  type: sequential
  steps:
    - id: a
      type: task
      prompt: one
    - id: a
      type: task
      prompt: two
`,
			want: "duplicate step id",
		},
		{
			name: "unknown step type",
			yaml: "id: wf\nroot:\n  id: root\n  type: loop\n",
			want: "unknown type",
		},
		{
			name: "task without prompt",
			yaml: "id: wf\nroot:\n  id: root\n  type: task\n",
			want: "no prompt",
		},
		{
			name: "empty composite",
			yaml: "id: wf\nroot:\n  id: root\n  type: parallel\n",
			want: "no children",
		},
		{
			name: "branch without when",
			yaml: `
id: wf
root:
  id: root
  type: branch
  then:
    id: a
    type: task
    prompt: hi
`,
			want: "no when clause",
		},
		{
			name: "bad timeout",
			yaml: "id: wf\ntimeout: soon\nroot:\n  id: root\n  type: task\n  prompt: hi\n",
			want: "invalid workflow timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.True(t, cerr.Is(err, cerr.InvalidConfiguration))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDirAndFileFallbackID(t *testing.T) {
	dir := t.TempDir()

	noID := `
name: Anonymous
root:
  id: root
  type: task
  prompt: hi
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(noID), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yml"), []byte(reviewFlow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	ids := []string{defs[0].ID, defs[1].ID}
	assert.ElementsMatch(t, []string{"nightly", "review-flow"}, ids)
}

func TestRegistryReloadAndGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewFlow), 0o644))

	registry := NewRegistry(dir)
	require.NoError(t, registry.Reload())

	def, ok := registry.Get("review-flow")
	require.True(t, ok)
	assert.Equal(t, "Review Flow", def.Name)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
	assert.Len(t, registry.List(), 1)

	// A broken file keeps the previous set.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("root: {type: loop}"), 0o644))
	require.Error(t, registry.Reload())
	assert.Len(t, registry.List(), 1)
}
