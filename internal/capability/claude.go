package capability

import (
	"context"
	"strings"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/agentflow/internal/task"
)

// ClaudeCapability executes tasks through the Claude Agent SDK. The SDK
// call is synchronous; the adapter surfaces CLI stderr lines as output
// events while the query runs and emits the final result as the terminal
// event.
type ClaudeCapability struct {
	// SystemPrompt is prepended as agent instructions for every task.
	SystemPrompt string
}

func NewClaudeCapability(systemPrompt string) *ClaudeCapability {
	return &ClaudeCapability{SystemPrompt: systemPrompt}
}

func (c *ClaudeCapability) Execute(ctx context.Context, t *task.AgentTask) (Stream, error) {
	stream := NewChannelStream(64)

	go func() {
		defer stream.CloseSend()

		stream.Send(ctx, &Event{Type: EventStart, SessionID: t.SessionID})

		permMode := claudeagent.PermissionModeDefault
		if t.Options != nil && t.Options.PermissionMode != "" {
			permMode = claudeagent.PermissionMode(t.Options.PermissionMode)
		}
		opts := &claudeagent.ClaudeAgentOptions{
			SystemPrompt:   c.SystemPrompt,
			Cwd:            t.RepoPath,
			PermissionMode: permMode,
			StderrCallback: func(line string) {
				stream.Send(ctx, &Event{Type: EventOutput, Text: line})
			},
		}
		if t.SessionID != "" {
			opts.Resume = t.SessionID
		}

		result, err := claudeagent.RunQuerySync(ctx, t.Prompt, opts)
		if err != nil {
			if isRateLimited(err.Error()) {
				stream.Send(ctx, &Event{Type: EventRateLimit, Text: err.Error()})
			}
			stream.Send(ctx, &Event{Type: EventError, Err: err})
			return
		}

		if result.Result == nil {
			stream.Send(ctx, &Event{Type: EventComplete})
			return
		}
		sessionID := result.Result.SessionID
		if result.Result.IsError {
			msg := result.Result.Result
			if msg == "" {
				msg = "claude returned an error"
			}
			if isRateLimited(msg) {
				stream.Send(ctx, &Event{Type: EventRateLimit, Text: msg, SessionID: sessionID})
			}
			stream.Send(ctx, &Event{Type: EventError, Text: msg, SessionID: sessionID})
			return
		}
		if result.Result.Result != "" {
			stream.Send(ctx, &Event{Type: EventOutput, Text: result.Result.Result, SessionID: sessionID})
		}
		stream.Send(ctx, &Event{Type: EventComplete, SessionID: sessionID})
	}()

	return stream, nil
}

func isRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "429")
}
