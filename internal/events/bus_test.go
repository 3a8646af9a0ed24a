package events

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStateChangedEvent{
		ID:        "task-1",
		From:      "pending",
		To:        "planning",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStateChanged {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStateChanged, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestNonBlockingSendCountsDrops verifies that a full subscriber never blocks publishers.
func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicSafety, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicSafety, ViolationEvent{ViolationID: "v", Risk: "high", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
	if len(ch) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(ch))
	}
}

// TestTopicIsolationAndSubscribeAll verifies topic routing.
func TestTopicIsolationAndSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	breakerCh := bus.Subscribe(TopicBreaker, 10)
	allCh := bus.SubscribeAll(10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "t1", Score: 0.9, Timestamp: time.Now()})
	bus.Publish(TopicBreaker, BreakerStateEvent{Name: "processor:code", From: "closed", To: "open", Timestamp: time.Now()})

	if got := (<-taskCh).EventType(); got != EventTypeTaskCompleted {
		t.Errorf("task channel got %s", got)
	}
	if got := (<-breakerCh).EventType(); got != EventTypeBreakerState {
		t.Errorf("breaker channel got %s", got)
	}

	select {
	case e := <-taskCh:
		t.Errorf("task channel received unexpected %s", e.EventType())
	case <-time.After(10 * time.Millisecond):
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-allCh:
			seen[e.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for SubscribeAll event")
		}
	}
	if !seen[EventTypeTaskCompleted] || !seen[EventTypeBreakerState] {
		t.Errorf("SubscribeAll missed events: %v", seen)
	}
}

// TestUnsubscribe verifies an unsubscribed channel is closed and no longer receives.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicAdaptation, 10)
	bus.Unsubscribe(ch)

	bus.Publish(TopicAdaptation, AdaptationEvent{Task: "t1", Kind: "strategy_change"})

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

// TestCloseIdempotent verifies Close closes subscribers and can be repeated.
func TestCloseIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicResource, 10)

	bus.Close()
	bus.Close()

	bus.Publish(TopicResource, ResourceSpikeEvent{Resource: "cpu", Current: 90, Average: 10})

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	late := bus.Subscribe(TopicResource, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *EventBus
	bus.Publish(TopicTask, TaskFailedEvent{ID: "t1", Reason: "x"})
}
