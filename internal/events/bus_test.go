package events

import (
	"testing"
	"time"
)

func stamped(e Event, runID string, seq uint64) Event {
	return e.withMeta(Meta{RunID: runID, Seq: seq, Timestamp: time.Now()})
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(stamped(TaskStatusChanged{ID: "backend", Kind: "backend", Status: "running"}, "run-1", 1))

	select {
	case received := <-ch:
		if received.TaskID() != "backend" {
			t.Errorf("expected task ID 'backend', got '%s'", received.TaskID())
		}
		if received.EventType() != TypeTaskStatusChanged {
			t.Errorf("expected event type '%s', got '%s'", TypeTaskStatusChanged, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicFile, 10)
	ch2 := bus.Subscribe(TopicFile, 10)

	bus.Publish(stamped(FileGenerated{ID: "frontend", Path: "frontend/app.tsx", Size: 12}, "run-1", 1))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "frontend" {
				t.Errorf("subscriber %d: expected task ID 'frontend', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicLog, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(stamped(Log{Severity: "info", Message: "line"}, "run-1", uint64(i+1)))
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if len(ch) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(ch))
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies Close closes every subscriber channel.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1 := bus.Subscribe(TopicRun, 10)
	ch2 := bus.SubscribeAll(10)

	bus.Close()
	bus.Close() // idempotent

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("subscriber %d: expected closed channel", i+1)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: channel not closed", i+1)
		}
	}

	late := bus.Subscribe(TopicRun, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
	bus.Publish(stamped(RunProgress{OverallPercent: 5}, "run-1", 1))
}

// TestTopicAndRunFiltering verifies topic, all-topic and per-run subscriptions.
func TestTopicAndRunFiltering(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	runCh := bus.Subscribe(TopicRun, 10)
	taskCh := bus.Subscribe(TopicTask, 10)
	allCh := bus.SubscribeAll(10)
	oneRun := bus.SubscribeRun("run-b", 10)

	bus.Publish(stamped(RunStarted{ProjectID: "p"}, "run-a", 1))
	bus.Publish(stamped(TaskStatusChanged{ID: "database"}, "run-a", 2))
	bus.Publish(stamped(RunProgress{OverallPercent: 10}, "run-b", 1))

	if len(runCh) != 2 {
		t.Errorf("run topic got %d events, want 2", len(runCh))
	}
	if len(taskCh) != 1 {
		t.Errorf("task topic got %d events, want 1", len(taskCh))
	}
	if len(allCh) != 3 {
		t.Errorf("SubscribeAll got %d events, want 3", len(allCh))
	}
	if len(oneRun) != 1 {
		t.Fatalf("SubscribeRun got %d events, want 1", len(oneRun))
	}
	if e := <-oneRun; e.Metadata().RunID != "run-b" {
		t.Errorf("SubscribeRun delivered run %q", e.Metadata().RunID)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.SubscribeAll(10)
	other := bus.SubscribeAll(10)
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
	bus.Publish(stamped(RunCancelled{}, "run-1", 1))
	if len(other) != 1 {
		t.Errorf("remaining subscriber got %d events, want 1", len(other))
	}
	bus.Unsubscribe(ch) // unknown channel is ignored
}
