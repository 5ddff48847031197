// Package capability defines the contract between the orchestration core
// and whatever actually performs a task: an adapter executes one AgentTask
// and streams lifecycle events until exactly one terminal event.
package capability

import (
	"context"
	"sync"
	"time"

	"github.com/kazz187/agentflow/internal/task"
)

type EventType string

const (
	EventStart      EventType = "start"
	EventOutput     EventType = "output"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventRateLimit  EventType = "rate_limit"
	EventComplete   EventType = "complete"
	EventInterrupt  EventType = "interrupt"
)

// Terminal reports whether this event ends the stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

type Event struct {
	Type      EventType
	Text      string
	ToolName  string
	SessionID string
	Err       error
	At        time.Time
}

// Stream is a lazy, finite event iterator. Next returns false once the
// stream is exhausted, closed, or ctx is done. Close is idempotent and
// releases the producer.
type Stream interface {
	Next(ctx context.Context) (*Event, bool)
	Close() error
}

type Capability interface {
	Execute(ctx context.Context, t *task.AgentTask) (Stream, error)
}

// ChannelStream is the channel-backed Stream used by the built-in
// adapters: a producer goroutine Sends events and calls CloseSend when
// done; the consumer pulls via Next.
type ChannelStream struct {
	ch chan *Event

	closeOnce sync.Once
	closed    chan struct{}

	sendOnce sync.Once
}

func NewChannelStream(buf int) *ChannelStream {
	return &ChannelStream{
		ch:     make(chan *Event, buf),
		closed: make(chan struct{}),
	}
}

// Send delivers an event to the consumer. It returns false when the
// consumer has closed the stream or ctx is done, signalling the producer
// to stop.
func (s *ChannelStream) Send(ctx context.Context, event *Event) bool {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case s.ch <- event:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// CloseSend marks the producer side finished. The consumer drains any
// buffered events and then Next reports exhaustion.
func (s *ChannelStream) CloseSend() {
	s.sendOnce.Do(func() {
		close(s.ch)
	})
}

func (s *ChannelStream) Next(ctx context.Context) (*Event, bool) {
	select {
	case event, ok := <-s.ch:
		if !ok {
			return nil, false
		}
		return event, true
	case <-s.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
