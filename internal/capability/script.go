package capability

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"

	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/pkg/shellformat"
)

// scriptMetadataKey is where a task carries its script; the prompt is the
// fallback so plain "run this" tasks work too.
const scriptMetadataKey = "script"

// ScriptCapability runs a task's shell script in the task's repository
// path, streaming each output line as an event. Scripts are parsed before
// execution so a syntax error fails fast instead of half-running.
type ScriptCapability struct{}

func NewScriptCapability() *ScriptCapability {
	return &ScriptCapability{}
}

func (c *ScriptCapability) Execute(ctx context.Context, t *task.AgentTask) (Stream, error) {
	script := t.Metadata[scriptMetadataKey]
	if script == "" {
		script = t.Prompt
	}

	stream := NewChannelStream(64)

	go func() {
		defer stream.CloseSend()

		stream.Send(ctx, &Event{Type: EventStart})

		if err := shellformat.Validate(script); err != nil {
			stream.Send(ctx, &Event{Type: EventError, Err: err})
			return
		}
		if normalized, err := shellformat.Normalize(script); err == nil {
			slog.Debug("executing script", "task_id", t.ID, "script", normalized)
		}

		cmd := exec.CommandContext(ctx, "bash", "-c", script)
		cmd.Dir = t.RepoPath
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stream.Send(ctx, &Event{Type: EventError, Err: err})
			return
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			stream.Send(ctx, &Event{Type: EventError, Err: err})
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !stream.Send(ctx, &Event{Type: EventOutput, Text: scanner.Text()}) {
				// Consumer is gone; stop the child so Wait cannot block
				// on an undrained pipe.
				_ = cmd.Process.Kill()
				break
			}
		}

		if err := cmd.Wait(); err != nil {
			stream.Send(ctx, &Event{Type: EventError, Err: err})
			return
		}
		stream.Send(ctx, &Event{Type: EventComplete})
	}()

	return stream, nil
}
