package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscription is one subscriber channel with its filter. An empty topic
// matches every topic; an empty runID matches every run.
type subscription struct {
	ch    chan Event
	topic string
	runID string
}

func (s *subscription) matches(topic string, e Event) bool {
	if s.topic != "" && s.topic != topic {
		return false
	}
	return s.runID == "" || s.runID == e.Metadata().RunID
}

// EventBus is a channel-based pub-sub event bus shared by every run in the
// process. Delivery is best-effort: a full subscriber channel drops the event
// for that subscriber. The per-run Emitter history is the complete record.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) add(s *subscription, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	s.ch = make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs = append(b.subs, s)
	return s.ch
}

// Subscribe returns a channel receiving events published on topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(&subscription{topic: topic}, bufSize)
}

// SubscribeAll returns a channel receiving every event.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add(&subscription{}, bufSize)
}

// SubscribeRun returns a channel receiving every event of one run.
func (b *EventBus) SubscribeRun(runID string, bufSize int) <-chan Event {
	return b.add(&subscription{runID: runID}, bufSize)
}

// Unsubscribe removes and closes a channel returned by one of the Subscribe
// methods. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if (<-chan Event)(s.ch) == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish delivers event to every matching subscriber without blocking.
func (b *EventBus) Publish(event Event) {
	topic := TopicOf(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.matches(topic, event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
