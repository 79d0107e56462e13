package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Edge points from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	ids        []string            // Insertion order
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	order      []string            // Cached topological order, reset by AddTask
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a copy of task to the DAG. Returns error if task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID must not be empty")
	}
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	d.tasks[task.ID] = cloneTask(task)
	d.ids = append(d.ids, task.ID)
	d.order = nil

	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if a dependency is missing, listed twice,
// or part of a cycle.
func (d *DAG) Validate() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	order, err := d.validateLocked()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), order...), nil
}

func (d *DAG) validateLocked() ([]string, error) {
	if d.order != nil {
		return d.order, nil
	}

	for _, taskID := range d.ids {
		seen := make(map[string]bool, len(d.tasks[taskID].DependsOn))
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
			if seen[depID] {
				return nil, fmt.Errorf("task %q lists dependency %q more than once", taskID, depID)
			}
			seen[depID] = true
		}
	}

	// Edge (depID, taskID) means depID must come before taskID. Roots hang
	// off nil so that isolated tasks are included.
	var edges []toposort.Edge
	for _, taskID := range d.ids {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, taskID := range d.ids {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	d.order = order
	return order, nil
}

// Order returns topologically sorted task IDs (calls Validate).
func (d *DAG) Order() ([]string, error) {
	return d.Validate()
}

// sequence returns the topological order when the graph is valid and the
// insertion order otherwise. Callers hold the lock.
func (d *DAG) sequence() []string {
	if order, err := d.validateLocked(); err == nil {
		return order
	}
	return d.ids
}

// Edges lists every dependency edge, grouped by dependent in topological order.
func (d *DAG) Edges() []Edge {
	d.mu.Lock()
	defer d.mu.Unlock()

	var edges []Edge
	for _, taskID := range d.sequence() {
		for _, depID := range d.tasks[taskID].DependsOn {
			edges = append(edges, Edge{From: depID, To: taskID})
		}
	}
	return edges
}

// Eligible returns pending tasks whose dependencies have all completed, in
// topological order.
func (d *DAG) Eligible() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	eligible := []*Task{}
	for _, taskID := range d.sequence() {
		task := d.tasks[taskID]
		if task.Status != TaskPending {
			continue
		}

		allCompleted := true
		for _, depID := range task.DependsOn {
			dep, exists := d.tasks[depID]
			if !exists || dep.Status != TaskCompleted {
				allCompleted = false
				break
			}
		}

		if allCompleted {
			eligible = append(eligible, cloneTask(task))
		}
	}
	return eligible
}

// blockedBy returns the first dependency of task that can no longer complete.
func (d *DAG) blockedBy(task *Task) (*Task, bool) {
	for _, depID := range task.DependsOn {
		dep, exists := d.tasks[depID]
		if !exists {
			continue
		}
		switch dep.Status {
		case TaskFailed, TaskSkipped, TaskCancelled:
			return dep, true
		}
	}
	return nil, false
}

// SkipBlocked marks every pending task with a failed, skipped or cancelled
// dependency as skipped, repeating until nothing changes. It returns the IDs
// of the newly skipped tasks in the order they were skipped.
func (d *DAG) SkipBlocked(at time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, taskID := range d.sequence() {
			task := d.tasks[taskID]
			if task.Status != TaskPending {
				continue
			}
			dep, blocked := d.blockedBy(task)
			if !blocked {
				continue
			}
			task.Status = TaskSkipped
			task.Err = &DependencyFailure{TaskID: taskID, Dependency: dep.ID, Status: dep.Status}
			task.CompletedAt = at
			skipped = append(skipped, taskID)
			changed = true
		}
	}
	return skipped
}

// Skip marks a pending task as skipped for a reason other than a dependency.
func (d *DAG) Skip(taskID string, cause error, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskSkipped, TaskPending)
	if err != nil {
		return err
	}
	task.Err = &DependencyFailure{TaskID: taskID, Cause: cause}
	task.CompletedAt = at
	return nil
}

// Descendants returns every task reachable from taskID through dependency
// edges, in topological order.
func (d *DAG) Descendants(taskID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	reach := make(map[string]bool)
	queue := append([]string(nil), d.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reach[id] {
			continue
		}
		reach[id] = true
		queue = append(queue, d.dependents[id]...)
	}

	var out []string
	for _, id := range d.sequence() {
		if reach[id] {
			out = append(out, id)
		}
	}
	return out
}

// transition moves a task to status `to` if its current status is one of `from`.
// Callers hold the write lock.
func (d *DAG) transition(taskID string, to TaskStatus, from ...TaskStatus) (*Task, error) {
	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	for _, s := range from {
		if task.Status == s {
			task.Status = to
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, taskID, task.Status, to)
}

// MarkRunning moves a pending task to running.
func (d *DAG) MarkRunning(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskRunning, TaskPending)
	if err != nil {
		return err
	}
	task.StartedAt = at
	return nil
}

// MarkCompleted moves a running task to completed and pins its progress at 100.
func (d *DAG) MarkCompleted(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskCompleted, TaskRunning)
	if err != nil {
		return err
	}
	task.Progress = 100
	task.Err = nil
	task.CompletedAt = at
	return nil
}

// MarkFailed moves a running task to failed and stores the error.
// Dependents are not touched; call SkipBlocked to cascade.
func (d *DAG) MarkFailed(taskID string, cause error, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskFailed, TaskRunning)
	if err != nil {
		return err
	}
	task.Err = cause
	task.CompletedAt = at
	return nil
}

// MarkCancelled moves a pending or running task to cancelled.
func (d *DAG) MarkCancelled(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskCancelled, TaskPending, TaskRunning)
	if err != nil {
		return err
	}
	task.CompletedAt = at
	return nil
}

// IncrementRetry records a failed attempt of a running task and returns the
// new retry count. The task stays running.
func (d *DAG) IncrementRetry(taskID string, cause error) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return 0, fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskRunning {
		return 0, fmt.Errorf("%w: retry of %s task %q", ErrInvalidTransition, task.Status, taskID)
	}
	task.RetryCount++
	task.Err = cause
	return task.RetryCount, nil
}

// SetProgress records agent-reported progress for a running task. Values are
// clamped to 0..100 and regressions are ignored. It returns the stored value
// and whether it changed.
func (d *DAG) SetProgress(taskID string, pct int) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return 0, false, fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskRunning {
		return task.Progress, false, nil
	}
	pct = min(max(pct, 0), 100)
	if pct <= task.Progress {
		return task.Progress, false, nil
	}
	task.Progress = pct
	return pct, true, nil
}

// Get returns a copy of the task.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in topological order.
func (d *DAG) Tasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.sequence()
	tasks := make([]*Task, 0, len(seq))
	for _, id := range seq {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

// Counts tallies tasks by status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// Done reports whether every task is in a terminal status.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, task := range d.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return &cp
}
