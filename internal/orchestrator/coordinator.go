package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/plugins"
	"github.com/aristath/appforge/internal/progress"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/scheduler"
)

// run is one GenerationRun. The coordinator goroutine (execute) is the only
// writer of its state; readers use the published snapshot.
type run struct {
	svc       *Service
	id        string
	projectID string
	userID    string
	cfg       project.Config
	logger    *slog.Logger

	dag     *scheduler.DAG
	files   *aggregate.Store
	tracker *progress.Tracker
	emitter *events.Emitter

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	snap       atomic.Pointer[Snapshot]

	// Coordinator-owned.
	status     RunStatus
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	errSummary string
	usage      map[string]agent.Usage
	running    int
	cancelled  bool
}

func newRun(svc *Service, id string, req StartRequest, dag *scheduler.DAG) *run {
	r := &run{
		svc:       svc,
		id:        id,
		projectID: req.ProjectID,
		userID:    req.UserID,
		cfg:       req.Config,
		logger:    svc.logger.With("run_id", id, "project_id", req.ProjectID),
		dag:       dag,
		files:     aggregate.New(),
		tracker:   progress.New(),
		emitter:   events.NewEmitter(id, svc.opts.Bus, svc.now),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
		status:    RunPending,
		createdAt: svc.now(),
		usage:     make(map[string]agent.Usage),
	}
	for _, t := range dag.Tasks() {
		r.tracker.Add(t.ID)
	}
	r.publish()
	return r
}

// requestCancel asks the coordinator to cancel the run. Safe to call repeatedly.
func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *run) snapshot() Snapshot {
	return *r.snap.Load()
}

// publish rebuilds the reader snapshot from coordinator state.
func (r *run) publish() {
	tasks := r.dag.Tasks()
	snap := &Snapshot{
		RunID:        r.id,
		ProjectID:    r.projectID,
		UserID:       r.userID,
		Config:       r.cfg.Clone(),
		Status:       r.status,
		Progress:     int(math.Floor(r.tracker.Overall())),
		Tasks:        make([]TaskSnapshot, 0, len(tasks)),
		Files:        r.files.Infos(),
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
		ErrorSummary: r.errSummary,
	}
	for _, t := range tasks {
		ts := TaskSnapshot{
			ID:          t.ID,
			Name:        t.Name,
			Kind:        t.Kind,
			DependsOn:   t.DependsOn,
			Status:      t.Status,
			Progress:    t.Progress,
			RetryCount:  t.RetryCount,
			Usage:       r.usage[t.ID],
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
		}
		if t.Err != nil {
			ts.Error = t.Err.Error()
		}
		snap.Usage = snap.Usage.Add(ts.Usage)
		snap.Tasks = append(snap.Tasks, ts)
	}
	r.snap.Store(snap)
}

// execute drives the run to a terminal state. It is the coordinator.
func (r *run) execute(parent context.Context) {
	runCtx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	if err := r.runHook(runCtx, plugins.HookBeforeGenerate); err != nil {
		r.abortBeforeStart(err)
		r.finish(runCtx)
		r.settle()
		return
	}

	limit := r.svc.opts.MaxConcurrency
	jobs := make(chan job, limit)
	msgs := make(chan any, 64)

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < limit; i++ {
		g.Go(func() error { return r.worker(gctx, jobs, msgs) })
	}
	go func() {
		_ = g.Wait()
		close(msgs)
	}()

	r.loop(jobs, msgs)

	close(jobs)
	cancelRun() // Abort whatever is still in flight.
	r.finish(runCtx)
	r.settle()

	// A capability that ignores cancellation may still be running. Its
	// late result is discarded without holding the run open.
	go func() {
		for range msgs {
		}
	}()
}

// settle frees the project slot and wakes waiters. The slot is released
// first so a caller returning from Wait can start the next run.
func (r *run) settle() {
	r.svc.release(r)
	close(r.done)
}

// loop dispatches eligible tasks and consumes worker messages until no task
// can make further progress or the run is cancelled.
func (r *run) loop(jobs chan<- job, msgs <-chan any) {
	for {
		select {
		case <-r.cancelCh:
			r.applyCancel()
			return
		default:
		}

		r.skipBlocked()
		r.dispatch(jobs)
		r.publish()

		if r.running == 0 {
			return
		}

		select {
		case m := <-msgs:
			r.handle(m)
		case <-r.cancelCh:
			r.applyCancel()
			return
		}
	}
}

// dispatch starts eligible tasks while the concurrency budget allows.
func (r *run) dispatch(jobs chan<- job) {
	for _, task := range r.dag.Eligible() {
		if r.running >= r.svc.opts.MaxConcurrency {
			return
		}
		capability, err := r.svc.opts.Capabilities.For(task.Kind)
		if err != nil {
			// Start validated the set; reaching this is a programming error.
			r.logger.Error("no capability for task", "task_id", task.ID, "error", err)
			continue
		}

		now := r.svc.now()
		if r.status == RunPending {
			r.status = RunRunning
			r.startedAt = now
			r.emitter.Emit(events.RunStarted{ProjectID: r.projectID, Tasks: r.dag.Len()})
			r.logger.Info("generation started", "tasks", r.dag.Len())
		}
		if err := r.dag.MarkRunning(task.ID, now); err != nil {
			r.logger.Error("dispatch failed", "task_id", task.ID, "error", err)
			continue
		}
		r.running++
		r.emitStatus(task.ID)

		upstream := r.files.FilesFrom(task.DependsOn...)
		req := agent.Request{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Config:   agent.ConfigSlice(task.Kind, r.cfg),
			Upstream: make([]agent.File, len(upstream)),
		}
		for i, f := range upstream {
			req.Upstream[i] = agent.File{Path: f.Path, Content: f.Content}
		}
		jobs <- job{taskID: task.ID, req: req, cap: capability}
	}
}

func (r *run) handle(m any) {
	switch m := m.(type) {
	case progressMsg:
		if _, changed, _ := r.dag.SetProgress(m.taskID, m.pct); changed {
			r.tracker.Report(m.taskID, m.pct)
			r.emitTaskProgress(m.taskID)
			r.emitProgress()
		}
	case logMsg:
		r.emitter.Emit(events.Log{Severity: m.severity, Kind: m.kind, ID: m.taskID, Message: m.message})
	case retryMsg:
		attempt, err := r.dag.IncrementRetry(m.taskID, m.notice.Err)
		if err != nil {
			return
		}
		task, _ := r.dag.Get(m.taskID)
		msg := fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, m.notice.Wait.Round(time.Millisecond), m.notice.Err)
		r.logger.Warn("retrying task", "task_id", m.taskID, "attempt", attempt, "error", m.notice.Err)
		r.emitter.Emit(events.Log{Severity: agent.SeverityWarn, Kind: task.Kind, ID: m.taskID, Message: msg})
	case resultMsg:
		r.running--
		if m.err != nil {
			r.failTask(m.taskID, m.err)
			return
		}
		r.completeTask(m.taskID, m.result)
	}
}

func (r *run) completeTask(taskID string, res agent.Result) {
	inputs := make([]aggregate.Input, len(res.Files))
	for i, f := range res.Files {
		inputs[i] = aggregate.Input{Path: f.Path, Content: f.Content}
	}
	merged, err := r.files.Merge(taskID, inputs)
	if err != nil {
		r.failTask(taskID, agent.Fatal(err))
		return
	}

	r.usage[taskID] = r.usage[taskID].Add(res.Usage)
	if err := r.dag.MarkCompleted(taskID, r.svc.now()); err != nil {
		r.logger.Error("completing task", "task_id", taskID, "error", err)
		return
	}
	r.tracker.Complete(taskID)

	for _, f := range merged.Written {
		r.emitter.Emit(events.FileGenerated{ID: taskID, Path: f.Path, Size: f.Size})
	}
	for _, c := range merged.Collisions {
		msg := fmt.Sprintf("file %s from task %s overwritten by task %s", c.Path, c.PreviousTaskID, c.TaskID)
		r.logger.Warn("file collision", "path", c.Path, "previous_task", c.PreviousTaskID, "task_id", c.TaskID)
		r.emitter.Emit(events.Log{Severity: agent.SeverityWarn, Kind: agent.KindOrchestrator, ID: taskID, Message: msg})
	}
	r.emitStatus(taskID)
	r.emitProgress()
	r.logger.Info("task completed", "task_id", taskID, "files", len(merged.Written), "tokens", res.Usage.Total())
}

func (r *run) failTask(taskID string, cause error) {
	if err := r.dag.MarkFailed(taskID, cause, r.svc.now()); err != nil {
		r.logger.Error("failing task", "task_id", taskID, "error", err)
		return
	}
	r.tracker.Freeze(taskID)
	task, _ := r.dag.Get(taskID)
	r.logger.Error("task failed", "task_id", taskID, "retries", task.RetryCount, "error", cause)
	r.emitter.Emit(events.Log{Severity: agent.SeverityError, Kind: task.Kind, ID: taskID, Message: cause.Error()})
	r.emitStatus(taskID)
}

// skipBlocked cascades failures to dependents.
func (r *run) skipBlocked() {
	for _, id := range r.dag.SkipBlocked(r.svc.now()) {
		r.tracker.Freeze(id)
		r.emitStatus(id)
	}
}

// applyCancel cancels every non-terminal task. Files already merged stay.
func (r *run) applyCancel() {
	r.cancelled = true
	now := r.svc.now()
	for _, t := range r.dag.Tasks() {
		if t.Status.IsTerminal() {
			continue
		}
		if err := r.dag.MarkCancelled(t.ID, now); err != nil {
			continue
		}
		r.tracker.Freeze(t.ID)
		r.emitStatus(t.ID)
	}
	r.running = 0
	r.logger.Info("generation cancelled")
}

// abortBeforeStart skips every task because the run could not begin.
func (r *run) abortBeforeStart(cause error) {
	now := r.svc.now()
	for _, t := range r.dag.Tasks() {
		if err := r.dag.Skip(t.ID, cause, now); err != nil {
			continue
		}
		r.tracker.Freeze(t.ID)
		r.emitStatus(t.ID)
	}
	r.errSummary = cause.Error()
}

// finish derives the terminal status, emits the terminal event, runs the
// after_generate hook and hands the record to the recorder.
func (r *run) finish(ctx context.Context) {
	r.finishedAt = r.svc.now()
	var elapsed time.Duration
	if !r.startedAt.IsZero() {
		elapsed = r.finishedAt.Sub(r.startedAt)
	}

	counts := r.dag.Counts()
	switch {
	case r.cancelled:
		r.status = RunCancelled
		r.emitter.Emit(events.RunCancelled{Duration: elapsed})
	case counts[scheduler.TaskCompleted] == r.dag.Len():
		r.status = RunCompleted
		r.emitProgress()
		r.emitter.Emit(events.RunCompleted{Files: r.files.Len(), Duration: elapsed})
	default:
		r.status = RunFailed
		if summary := r.failureSummary(); summary != nil {
			r.errSummary = summary.Error()
		}
		if r.errSummary == "" {
			r.errSummary = "generation could not complete"
		}
		r.emitter.Emit(events.RunFailed{ErrorSummary: r.errSummary, Duration: elapsed})
	}
	r.emitter.Close()
	r.publish()

	r.logger.Info("generation finished", "status", r.status.String(), "files", r.files.Len(), "duration", elapsed)

	// Hooks and persistence outlive a cancelled run context.
	ctx = context.WithoutCancel(ctx)
	if err := r.runHook(ctx, plugins.HookAfterGenerate); err != nil {
		r.logger.Warn("after_generate hook failed", "error", err)
	}
	if rec := r.svc.opts.Recorder; rec != nil {
		record := Record{Snapshot: r.snapshot(), Files: r.files.Snapshot(), Events: r.emitter.History()}
		if err := rec.SaveRun(ctx, record); err != nil {
			r.logger.Error("saving run", "error", err)
		}
	}
}

// failureSummary joins the error of every failed task.
func (r *run) failureSummary() error {
	var errs []error
	for _, t := range r.dag.Tasks() {
		if t.Status == scheduler.TaskFailed && t.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, t.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *run) runHook(ctx context.Context, hook plugins.Hook) error {
	hooks := r.svc.opts.Hooks
	if hooks == nil {
		return nil
	}
	hc := plugins.HookContext{
		RunID:     r.id,
		ProjectID: r.projectID,
		UserID:    r.userID,
		Config:    r.cfg.Clone(),
	}
	if hook == plugins.HookAfterGenerate {
		hc.Status = r.status.String()
		hc.ErrorSummary = r.errSummary
		hc.Files = r.files.Paths()
	}
	return hooks.Run(ctx, hook, hc)
}

func (r *run) emitStatus(taskID string) {
	t, ok := r.dag.Get(taskID)
	if !ok {
		return
	}
	e := events.TaskStatusChanged{
		ID:         t.ID,
		Kind:       t.Kind,
		Status:     t.Status.String(),
		Progress:   t.Progress,
		RetryCount: t.RetryCount,
	}
	if t.Err != nil && t.Status != scheduler.TaskCompleted {
		e.Error = t.Err.Error()
	}
	r.emitter.Emit(e)
}

func (r *run) emitTaskProgress(taskID string) {
	t, ok := r.dag.Get(taskID)
	if !ok {
		return
	}
	r.emitter.Emit(events.TaskProgress{ID: t.ID, Kind: t.Kind, Progress: t.Progress})
}

func (r *run) emitProgress() {
	if pct, ok := r.tracker.Emit(); ok {
		r.emitter.Emit(events.RunProgress{OverallPercent: pct})
	}
}
