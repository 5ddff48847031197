package daemon

import (
	"context"
	"fmt"
	"io"

	"github.com/kazz187/agentflow/internal/capability"
	"github.com/kazz187/agentflow/internal/task"
	"github.com/kazz187/agentflow/pkg/color"
)

// printingCapability mirrors a capability's output events to w, each line
// prefixed with the task id in a stable per-task color.
type printingCapability struct {
	inner capability.Capability
	w     io.Writer
}

func newPrintingCapability(inner capability.Capability, w io.Writer) *printingCapability {
	return &printingCapability{inner: inner, w: w}
}

func (p *printingCapability) Execute(ctx context.Context, t *task.AgentTask) (capability.Stream, error) {
	stream, err := p.inner.Execute(ctx, t)
	if err != nil {
		return nil, err
	}
	return &printingStream{inner: stream, w: p.w, prefix: color.TaskPrefix(t.ID)}, nil
}

type printingStream struct {
	inner  capability.Stream
	w      io.Writer
	prefix string
}

func (s *printingStream) Next(ctx context.Context) (*capability.Event, bool) {
	event, ok := s.inner.Next(ctx)
	if !ok {
		return nil, false
	}
	switch event.Type {
	case capability.EventOutput:
		fmt.Fprintf(s.w, "%s %s\n", s.prefix, event.Text)
	case capability.EventError:
		if event.Err != nil {
			fmt.Fprintf(s.w, "%s error: %v\n", s.prefix, event.Err)
		}
	}
	return event, true
}

func (s *printingStream) Close() error {
	return s.inner.Close()
}
