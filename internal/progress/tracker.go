// Package progress derives per-task and overall completion for a run.
package progress

import (
	"math"
	"sync"
)

// Tracker records agent-reported progress per task. Values never decrease,
// and a frozen task keeps its last value. Overall progress is the equal-weight
// mean over every tracked task.
type Tracker struct {
	mu          sync.Mutex
	order       []string
	values      map[string]int
	frozen      map[string]bool
	lastEmitted int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		values: make(map[string]int),
		frozen: make(map[string]bool),
	}
}

// Add starts tracking taskID at 0. Adding a known task is a no-op.
func (t *Tracker) Add(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.values[taskID]; ok {
		return
	}
	t.order = append(t.order, taskID)
	t.values[taskID] = 0
}

// Report records pct for taskID, clamped to 0..100. Lower values than the
// recorded one, unknown tasks and frozen tasks are ignored. It returns the
// recorded value and whether it changed.
func (t *Tracker) Report(taskID string, pct int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.values[taskID]
	if !ok || t.frozen[taskID] {
		return cur, false
	}
	pct = min(max(pct, 0), 100)
	if pct <= cur {
		return cur, false
	}
	t.values[taskID] = pct
	return pct, true
}

// Complete sets taskID to 100 and freezes it.
func (t *Tracker) Complete(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.values[taskID]; !ok || t.frozen[taskID] {
		return
	}
	t.values[taskID] = 100
	t.frozen[taskID] = true
}

// Freeze pins taskID at its current value for the rest of the run. Used for
// skipped, failed and cancelled tasks.
func (t *Tracker) Freeze(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.values[taskID]; ok {
		t.frozen[taskID] = true
	}
}

// Task returns the recorded value for taskID.
func (t *Tracker) Task(taskID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[taskID]
	return v, ok
}

// Overall returns the mean of all task values, 0 when no task is tracked.
func (t *Tracker) Overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overallLocked()
}

func (t *Tracker) overallLocked() float64 {
	if len(t.order) == 0 {
		return 0
	}
	sum := 0
	for _, id := range t.order {
		sum += t.values[id]
	}
	return float64(sum) / float64(len(t.order))
}

// Emit reports whether the floored overall value moved at least one point
// since the last emitted value, and records it if so.
func (t *Tracker) Emit() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := int(math.Floor(t.overallLocked()))
	if cur-t.lastEmitted < 1 {
		return t.lastEmitted, false
	}
	t.lastEmitted = cur
	return cur, true
}

// Values returns a copy of every task value.
func (t *Tracker) Values() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.values))
	for id, v := range t.values {
		out[id] = v
	}
	return out
}
