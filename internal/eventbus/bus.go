package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	WorkflowStarted   Type = "workflow_started"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	WorkflowTimeout   Type = "workflow_timeout"
	WorkflowCancelled Type = "workflow_cancelled"
)

// Event is a workflow lifecycle notification. Payload carries a short
// human-readable detail (step output summary, error text).
type Event struct {
	ID         string
	Type       Type
	WorkflowID string
	StepID     string
	Payload    string
	CreatedAt  time.Time
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// SubscribeFunc delivers events to fn on a dedicated goroutine and returns
// a function that removes exactly this subscriber. Calling the returned
// function more than once is safe.
func (b *Bus) SubscribeFunc(fn func(*Event)) func() {
	id, ch := b.Subscribe(256)
	go func() {
		for event := range ch {
			fn(event)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(id)
		})
	}
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Close removes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType Type, workflowID, stepID, payload string) {
	b.Publish(&Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		WorkflowID: workflowID,
		StepID:     stepID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	})
}
