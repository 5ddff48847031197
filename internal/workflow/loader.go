package workflow

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/pkg/cerr"
)

// definitionSpec is the on-disk shape of a workflow definition.
type definitionSpec struct {
	ID      string    `yaml:"id"`
	Name    string    `yaml:"name"`
	Timeout string    `yaml:"timeout,omitempty"`
	Root    *stepSpec `yaml:"root"`
}

type stepSpec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// task
	Prompt   string                 `yaml:"prompt,omitempty"`
	Repo     string                 `yaml:"repo,omitempty"`
	Metadata map[string]string      `yaml:"metadata,omitempty"`
	Options  *task.ExecutionOptions `yaml:"options,omitempty"`

	// sequential / parallel
	Steps []*stepSpec `yaml:"steps,omitempty"`

	// branch: When references an earlier step by id; a leading "!"
	// negates it.
	When string    `yaml:"when,omitempty"`
	Then *stepSpec `yaml:"then,omitempty"`
	Else *stepSpec `yaml:"else,omitempty"`
}

// Load decodes one workflow definition from r.
func Load(r io.Reader) (*Definition, error) {
	var spec definitionSpec
	if err := yaml.NewDecoder(r).Decode(&spec); err != nil {
		return nil, cerr.NewError(cerr.InvalidConfiguration, "failed to decode workflow definition", err)
	}
	return buildDefinition(&spec)
}

// LoadFile decodes the workflow definition at path. A missing id falls
// back to the file name without its extension.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("failed to open workflow definition %s", path), err)
	}
	defer f.Close()

	def, err := Load(f)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// LoadDir loads every .yaml/.yml definition directly under dir.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("failed to read workflow definitions dir %s", dir), err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func buildDefinition(spec *definitionSpec) (*Definition, error) {
	if spec.Root == nil {
		return nil, cerr.NewError(cerr.InvalidConfiguration, "workflow definition has no root step", nil)
	}

	def := &Definition{
		ID:   spec.ID,
		Name: spec.Name,
	}
	if spec.Timeout != "" {
		timeout, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("invalid workflow timeout %q", spec.Timeout), err)
		}
		def.Timeout = timeout
	}

	seen := map[string]struct{}{}
	root, err := buildStep(spec.Root, seen)
	if err != nil {
		return nil, err
	}
	def.Root = root
	return def, nil
}

func buildStep(spec *stepSpec, seen map[string]struct{}) (Step, error) {
	if spec.ID == "" {
		return nil, cerr.NewError(cerr.InvalidConfiguration, "step is missing an id", nil)
	}
	if _, dup := seen[spec.ID]; dup {
		return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("duplicate step id %q", spec.ID), nil)
	}
	seen[spec.ID] = struct{}{}

	switch spec.Type {
	case "task":
		if spec.Prompt == "" {
			return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("task step %q has no prompt", spec.ID), nil)
		}
		return &TaskStep{
			ID: spec.ID,
			Task: &task.AgentTask{
				ID:        spec.ID,
				Prompt:    spec.Prompt,
				RepoPath:  spec.Repo,
				Metadata:  spec.Metadata,
				Options:   spec.Options,
				CreatedAt: time.Now(),
			},
		}, nil
	case "sequential", "parallel":
		if len(spec.Steps) == 0 {
			return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("%s step %q has no children", spec.Type, spec.ID), nil)
		}
		children := make([]Step, 0, len(spec.Steps))
		for _, child := range spec.Steps {
			step, err := buildStep(child, seen)
			if err != nil {
				return nil, err
			}
			children = append(children, step)
		}
		if spec.Type == "sequential" {
			return &SequentialStep{ID: spec.ID, Steps: children}, nil
		}
		return &ParallelStep{ID: spec.ID, Steps: children}, nil
	case "branch":
		if spec.When == "" {
			return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("branch step %q has no when clause", spec.ID), nil)
		}
		if spec.Then == nil {
			return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("branch step %q has no then step", spec.ID), nil)
		}
		then, err := buildStep(spec.Then, seen)
		if err != nil {
			return nil, err
		}
		var otherwise Step
		if spec.Else != nil {
			otherwise, err = buildStep(spec.Else, seen)
			if err != nil {
				return nil, err
			}
		}
		return &BranchStep{
			ID:        spec.ID,
			Condition: conditionFor(spec.When),
			Then:      then,
			Else:      otherwise,
		}, nil
	default:
		return nil, cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("step %q has unknown type %q", spec.ID, spec.Type), nil)
	}
}

// conditionFor turns a when clause into a predicate over recorded step
// results: "build" is true when step build completed, "!build" when it
// did not.
func conditionFor(when string) func(*Context) bool {
	negate := strings.HasPrefix(when, "!")
	stepID := strings.TrimPrefix(when, "!")
	return func(c *Context) bool {
		ok := c.Succeeded(stepID)
		if negate {
			return !ok
		}
		return ok
	}
}
