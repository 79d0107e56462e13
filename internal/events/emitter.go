package events

import (
	"context"
	"sync"
	"time"
)

// Emitter stamps, records and publishes the events of a single run. It keeps
// the complete ordered history so late subscribers can replay it.
type Emitter struct {
	mu      sync.Mutex
	runID   string
	seq     uint64
	history []Event
	closed  bool
	notify  chan struct{} // Closed and replaced on every append
	bus     *EventBus
	now     func() time.Time
}

// NewEmitter creates an emitter for runID. bus may be nil; now defaults to time.Now.
func NewEmitter(runID string, bus *EventBus, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		runID:  runID,
		notify: make(chan struct{}),
		bus:    bus,
		now:    now,
	}
}

// RunID returns the run the emitter belongs to.
func (em *Emitter) RunID() string { return em.runID }

// Emit assigns the next sequence number, appends the event to the history and
// publishes it. Events emitted after Close are dropped and returned unstamped.
func (em *Emitter) Emit(e Event) Event {
	em.mu.Lock()
	if em.closed {
		em.mu.Unlock()
		return e
	}
	em.seq++
	e = e.withMeta(Meta{RunID: em.runID, Seq: em.seq, Timestamp: em.now()})
	em.history = append(em.history, e)
	close(em.notify)
	em.notify = make(chan struct{})
	em.mu.Unlock()

	// Publish outside the lock; the bus never blocks but holds its own lock.
	if em.bus != nil {
		em.bus.Publish(e)
	}
	return e
}

// Close marks the stream finished and wakes every waiter.
func (em *Emitter) Close() {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.closed {
		return
	}
	em.closed = true
	close(em.notify)
}

// History returns a copy of every event emitted so far.
func (em *Emitter) History() []Event {
	em.mu.Lock()
	defer em.mu.Unlock()
	return append([]Event(nil), em.history...)
}

// Since returns the events with a sequence number greater than seq.
func (em *Emitter) Since(seq uint64) []Event {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.sinceLocked(seq)
}

func (em *Emitter) sinceLocked(seq uint64) []Event {
	// Seq n lives at index n-1.
	if seq >= uint64(len(em.history)) {
		return nil
	}
	return append([]Event(nil), em.history[seq:]...)
}

// Next blocks until events after seq exist, the stream is closed or ctx is
// done. done is true once the stream is closed and everything after seq has
// been returned.
func (em *Emitter) Next(ctx context.Context, seq uint64) (evs []Event, done bool, err error) {
	for {
		em.mu.Lock()
		evs = em.sinceLocked(seq)
		closed := em.closed
		wait := em.notify
		em.mu.Unlock()

		if len(evs) > 0 || closed {
			return evs, closed, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
