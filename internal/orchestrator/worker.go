package orchestrator

import (
	"context"
	"sync"

	"github.com/aristath/appforge/internal/agent"
)

// job is one dispatched task handed to the worker pool.
type job struct {
	taskID string
	req    agent.Request
	cap    agent.Capability
}

// Messages sent from workers back to the coordinator.
type (
	progressMsg struct {
		taskID string
		pct    int
	}
	logMsg struct {
		taskID   string
		kind     agent.Kind
		severity string
		message  string
	}
	retryMsg struct {
		taskID string
		notice retryNotice
	}
	resultMsg struct {
		taskID string
		result agent.Result
		err    error
	}
)

// taskReporter forwards capability progress and log lines to the coordinator.
// It stops forwarding once the task's result has been sent.
type taskReporter struct {
	mu     sync.Mutex
	taskID string
	kind   agent.Kind
	msgs   chan<- any
	closed bool
}

func (r *taskReporter) send(m any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.msgs <- m
	}
}

func (r *taskReporter) Progress(pct int) {
	r.send(progressMsg{taskID: r.taskID, pct: pct})
}

func (r *taskReporter) Log(severity, message string) {
	r.send(logMsg{taskID: r.taskID, kind: r.kind, severity: severity, message: message})
}

func (r *taskReporter) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// worker consumes jobs until the queue is closed. Each job runs with its own
// retry budget and per-attempt timeout; exactly one resultMsg is sent per job.
func (r *run) worker(ctx context.Context, jobs <-chan job, msgs chan<- any) error {
	for j := range jobs {
		rep := &taskReporter{taskID: j.taskID, kind: j.req.Kind, msgs: msgs}
		j.req.Reporter = rep

		res, err := generateWithRetry(ctx, j.cap, j.req,
			r.svc.breakers.Get(j.req.Kind),
			r.svc.opts.Retry,
			r.svc.opts.TaskTimeout,
			func(n retryNotice) { rep.send(retryMsg{taskID: j.taskID, notice: n}) },
		)

		rep.close()
		msgs <- resultMsg{taskID: j.taskID, result: res, err: err}
	}
	return nil
}
