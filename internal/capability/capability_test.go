package capability

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentflow/internal/task"
)

func TestChannelStream_ProducerConsumer(t *testing.T) {
	ctx := context.Background()
	s := NewChannelStream(4)

	go func() {
		s.Send(ctx, &Event{Type: EventStart})
		s.Send(ctx, &Event{Type: EventOutput, Text: "hello"})
		s.Send(ctx, &Event{Type: EventComplete})
		s.CloseSend()
	}()

	var types []EventType
	for {
		event, ok := s.Next(ctx)
		if !ok {
			break
		}
		types = append(types, event.Type)
		assert.False(t, event.At.IsZero())
	}
	assert.Equal(t, []EventType{EventStart, EventOutput, EventComplete}, types)
}

func TestChannelStream_CloseIsIdempotentAndStopsProducer(t *testing.T) {
	ctx := context.Background()
	s := NewChannelStream(0)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, s.Send(ctx, &Event{Type: EventOutput}))
	_, ok := s.Next(ctx)
	assert.False(t, ok)
}

func TestChannelStream_NextHonorsContext(t *testing.T) {
	s := NewChannelStream(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := s.Next(ctx)
	assert.False(t, ok)
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventComplete.Terminal())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventStart.Terminal())
	assert.False(t, EventOutput.Terminal())
	assert.False(t, EventRateLimit.Terminal())
}

func TestScriptCapability(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	ctx := context.Background()
	script := NewScriptCapability()

	stream, err := script.Execute(ctx, &task.AgentTask{
		ID:       "t1",
		RepoPath: t.TempDir(),
		Metadata: map[string]string{"script": "echo one; echo two"},
	})
	require.NoError(t, err)
	defer stream.Close()

	var outputs []string
	var last EventType
	for {
		event, ok := stream.Next(ctx)
		if !ok {
			break
		}
		last = event.Type
		if event.Type == EventOutput {
			outputs = append(outputs, event.Text)
		}
	}
	assert.Equal(t, EventComplete, last)
	assert.Equal(t, []string{"one", "two"}, outputs)
}

func TestScriptCapability_SyntaxErrorFailsFast(t *testing.T) {
	ctx := context.Background()
	script := NewScriptCapability()

	stream, err := script.Execute(ctx, &task.AgentTask{
		ID:       "t1",
		Metadata: map[string]string{"script": "echo \"unterminated"},
	})
	require.NoError(t, err)
	defer stream.Close()

	var last *Event
	for {
		event, ok := stream.Next(ctx)
		if !ok {
			break
		}
		last = event
	}
	require.NotNil(t, last)
	assert.Equal(t, EventError, last.Type)
}

func TestScriptCapability_FailingCommand(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	ctx := context.Background()
	script := NewScriptCapability()

	stream, err := script.Execute(ctx, &task.AgentTask{
		ID:       "t1",
		RepoPath: t.TempDir(),
		Metadata: map[string]string{"script": "exit 3"},
	})
	require.NoError(t, err)
	defer stream.Close()

	var last *Event
	for {
		event, ok := stream.Next(ctx)
		if !ok {
			break
		}
		last = event
	}
	require.NotNil(t, last)
	assert.Equal(t, EventError, last.Type)
	assert.Error(t, last.Err)
}
