package eventbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(16)
	defer bus.Unsubscribe(id)

	bus.PublishNew(StepCompleted, "wf-1", "step-1", "ok")

	select {
	case event := <-ch:
		assert.Equal(t, StepCompleted, event.Type)
		assert.Equal(t, "wf-1", event.WorkflowID)
		assert.Equal(t, "step-1", event.StepID)
		assert.NotEmpty(t, event.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SubscribeFunc(t *testing.T) {
	bus := New()

	received := make(chan *Event, 1)
	unsubscribe := bus.SubscribeFunc(func(event *Event) {
		received <- event
	})

	bus.PublishNew(WorkflowStarted, "wf-2", "", "")
	select {
	case event := <-received:
		require.Equal(t, WorkflowStarted, event.Type)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	// After unsubscribing the handler must not fire again.
	unsubscribe()
	unsubscribe() // idempotent
	bus.PublishNew(WorkflowCompleted, "wf-2", "", "")
	select {
	case <-received:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)
	defer bus.Unsubscribe(id)

	bus.PublishNew(StepStarted, "wf-3", "a", "")
	bus.PublishNew(StepStarted, "wf-3", "b", "") // dropped, nobody is reading

	var n atomic.Int32
	for {
		select {
		case <-ch:
			n.Add(1)
		case <-time.After(50 * time.Millisecond):
			assert.Equal(t, int32(1), n.Load())
			return
		}
	}
}
