package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/plugins"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/scheduler"
)

// fakeCapability writes one file per task unless a per-kind override is set.
type fakeCapability struct {
	mu        sync.Mutex
	overrides map[agent.Kind]agent.CapabilityFunc
	requests  map[string]agent.Request
	calls     map[agent.Kind]int
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{
		overrides: make(map[agent.Kind]agent.CapabilityFunc),
		requests:  make(map[string]agent.Request),
		calls:     make(map[agent.Kind]int),
	}
}

func (f *fakeCapability) on(kind agent.Kind, fn agent.CapabilityFunc) *fakeCapability {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[kind] = fn
	return f
}

func (f *fakeCapability) Generate(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	f.requests[req.TaskID] = req
	f.calls[req.Kind]++
	fn := f.overrides[req.Kind]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return defaultResult(req), nil
}

func (f *fakeCapability) request(taskID string) agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[taskID]
}

func (f *fakeCapability) callCount(kind agent.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func defaultResult(req agent.Request) agent.Result {
	req.Reporter.Progress(50)
	return agent.Result{
		Files: []agent.File{{Path: string(req.Kind) + "/main.txt", Content: "generated by " + string(req.Kind)}},
		Usage: agent.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// blockUntilCancelled reports start and then waits for its context.
func blockUntilCancelled(started chan<- string) agent.CapabilityFunc {
	return func(ctx context.Context, req agent.Request) (agent.Result, error) {
		started <- req.TaskID
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *recordingRecorder) SaveRun(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

func apiConfig() project.Config {
	return project.Config{
		Name:     "api",
		Template: project.TemplateAPI,
		Database: &project.DatabaseConfig{Type: project.DatabasePostgres},
	}
}

func saasConfig() project.Config {
	return project.Config{
		Name:     "saas",
		Template: project.TemplateSaaS,
		Database: &project.DatabaseConfig{Type: project.DatabasePostgres},
		Auth:     &project.AuthConfig{Providers: []project.AuthProvider{project.AuthEmail}},
	}
}

func newTestService(t *testing.T, c agent.Capability, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		Capabilities: agent.Uniform(c),
		Retry:        fastRetry(3),
		TaskTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func startAndWait(t *testing.T, svc *Service, projectID string, cfg project.Config) Snapshot {
	t.Helper()
	runID, err := svc.Start(context.Background(), StartRequest{ProjectID: projectID, UserID: "user-1", Config: cfg})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return waitFor(t, svc, runID)
}

func waitFor(t *testing.T, svc *Service, runID string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := svc.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

func taskStatus(t *testing.T, snap Snapshot, id string) scheduler.TaskStatus {
	t.Helper()
	task, ok := snap.Task(id)
	if !ok {
		t.Fatalf("task %q missing from snapshot", id)
	}
	return task.Status
}

func mustEvents(t *testing.T, svc *Service, runID string) []events.Event {
	t.Helper()
	evs, err := svc.Events(runID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	return evs
}

// TestAPIChainCompletes runs database -> backend -> devops to completion.
func TestAPIChainCompletes(t *testing.T) {
	fake := newFakeCapability()
	rec := &recordingRecorder{}
	svc := newTestService(t, fake, func(o *Options) { o.Recorder = rec })

	snap := startAndWait(t, svc, "proj-a", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v, want completed (error: %s)", snap.Status, snap.ErrorSummary)
	}
	if snap.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Progress)
	}
	if len(snap.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(snap.Tasks))
	}
	for _, task := range snap.Tasks {
		if task.Status != scheduler.TaskCompleted || task.Progress != 100 {
			t.Errorf("task %s = %v at %d%%, want completed at 100%%", task.ID, task.Status, task.Progress)
		}
		if task.StartedAt.IsZero() || task.CompletedAt.IsZero() {
			t.Errorf("task %s missing timestamps", task.ID)
		}
	}
	if len(snap.Files) != 3 {
		t.Errorf("expected 3 files, got %d", len(snap.Files))
	}
	if snap.Usage.Total() != 45 {
		t.Errorf("usage total = %d, want 45", snap.Usage.Total())
	}
	if snap.StartedAt.IsZero() || snap.FinishedAt.IsZero() {
		t.Error("run timestamps not set")
	}

	// Dependents see exactly the files of their completed dependencies.
	backendReq := fake.request("backend")
	if len(backendReq.Upstream) != 1 || backendReq.Upstream[0].Path != "database/main.txt" {
		t.Errorf("backend upstream = %+v", backendReq.Upstream)
	}
	if got := len(fake.request("devops").Upstream); got != 2 {
		t.Errorf("devops upstream has %d files, want 2", got)
	}
	if fake.request("database").Config["database"] == nil {
		t.Errorf("database request missing its config slice: %v", fake.request("database").Config)
	}

	files, err := svc.Files(snap.RunID)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if files[0].Path != "backend/main.txt" || files[0].TaskID != "backend" {
		t.Errorf("first file = %+v", files[0])
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("recorder called %d times, want 1", len(records))
	}
	if records[0].Snapshot.Status != RunCompleted || len(records[0].Files) != 3 {
		t.Errorf("unexpected record: status=%v files=%d", records[0].Snapshot.Status, len(records[0].Files))
	}

	if _, ok := svc.ActiveRun("proj-a"); ok {
		t.Error("project still has an active run")
	}
}

// TestEventStreamOrdering checks sequence numbers and the event shapes of a run.
func TestEventStreamOrdering(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	live := bus.SubscribeAll(256)

	svc := newTestService(t, newFakeCapability(), func(o *Options) { o.Bus = bus })
	snap := startAndWait(t, svc, "proj-events", apiConfig())
	evs := mustEvents(t, svc, snap.RunID)

	if len(evs) == 0 {
		t.Fatal("no events recorded")
	}
	if _, ok := evs[0].(events.RunStarted); !ok {
		t.Errorf("first event = %T, want RunStarted", evs[0])
	}
	if _, ok := evs[len(evs)-1].(events.RunCompleted); !ok {
		t.Errorf("last event = %T, want RunCompleted", evs[len(evs)-1])
	}

	var (
		lastSeq      uint64
		lastProgress = -1
		statusByTask = map[string][]string{}
		filesSeen    int
	)
	for i, e := range evs {
		m := e.Metadata()
		if m.RunID != snap.RunID {
			t.Errorf("event %d has run id %q", i, m.RunID)
		}
		if m.Seq <= lastSeq {
			t.Errorf("event %d seq %d not above %d", i, m.Seq, lastSeq)
		}
		lastSeq = m.Seq

		switch v := e.(type) {
		case events.RunProgress:
			if v.OverallPercent <= lastProgress {
				t.Errorf("run progress went from %d to %d", lastProgress, v.OverallPercent)
			}
			lastProgress = v.OverallPercent
		case events.TaskStatusChanged:
			statusByTask[v.ID] = append(statusByTask[v.ID], v.Status)
		case events.FileGenerated:
			filesSeen++
		}
	}
	if lastProgress != 100 {
		t.Errorf("final run progress = %d, want 100", lastProgress)
	}
	if filesSeen != 3 {
		t.Errorf("saw %d file events, want 3", filesSeen)
	}
	for _, id := range []string{"database", "backend", "devops"} {
		if got := fmt.Sprint(statusByTask[id]); got != "[running completed]" {
			t.Errorf("task %s transitions = %s", id, got)
		}
	}

	// The live bus carries the same stream, in order.
	for i := range evs {
		select {
		case e := <-live:
			if e.Metadata().Seq != evs[i].Metadata().Seq {
				t.Fatalf("bus event %d seq %d, want %d", i, e.Metadata().Seq, evs[i].Metadata().Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("bus delivered only %d of %d events", i, len(evs))
		}
	}
}

// TestAuthFailureSkipsDevOps fails auth and checks that the failure cascades
// to devops while independent work still completes.
func TestAuthFailureSkipsDevOps(t *testing.T) {
	fake := newFakeCapability().on(agent.KindAuth, func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{}, agent.Fatalf("unsupported provider combination")
	})
	svc := newTestService(t, fake, nil)

	snap := startAndWait(t, svc, "proj-b", saasConfig())

	if snap.Status != RunFailed {
		t.Fatalf("status = %v, want failed", snap.Status)
	}
	want := map[string]scheduler.TaskStatus{
		"database": scheduler.TaskCompleted,
		"backend":  scheduler.TaskCompleted,
		"frontend": scheduler.TaskCompleted,
		"auth":     scheduler.TaskFailed,
		"devops":   scheduler.TaskSkipped,
	}
	for id, status := range want {
		if got := taskStatus(t, snap, id); got != status {
			t.Errorf("task %s = %v, want %v", id, got, status)
		}
	}
	if fake.callCount(agent.KindDevOps) != 0 {
		t.Error("devops capability should never be invoked")
	}
	if fake.callCount(agent.KindAuth) != 1 {
		t.Errorf("fatal error retried: auth called %d times", fake.callCount(agent.KindAuth))
	}

	devops, _ := snap.Task("devops")
	if !strings.Contains(devops.Error, `dependency "auth" is failed`) {
		t.Errorf("devops error = %q", devops.Error)
	}
	if !strings.Contains(snap.ErrorSummary, "auth: unsupported provider combination") {
		t.Errorf("error summary = %q", snap.ErrorSummary)
	}

	evs := mustEvents(t, svc, snap.RunID)
	last, ok := evs[len(evs)-1].(events.RunFailed)
	if !ok {
		t.Fatalf("last event = %T, want RunFailed", evs[len(evs)-1])
	}
	if last.ErrorSummary != snap.ErrorSummary {
		t.Errorf("event summary %q != snapshot summary %q", last.ErrorSummary, snap.ErrorSummary)
	}
}

// TestCancelStopsRun cancels while the first task is in flight.
func TestCancelStopsRun(t *testing.T) {
	started := make(chan string, 1)
	fake := newFakeCapability().on(agent.KindDatabase, blockUntilCancelled(started))
	rec := &recordingRecorder{}
	svc := newTestService(t, fake, func(o *Options) { o.Recorder = rec })

	runID, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-c", Config: apiConfig()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("database task never started")
	}

	if err := svc.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := waitFor(t, svc, runID)

	if snap.Status != RunCancelled {
		t.Fatalf("status = %v, want cancelled", snap.Status)
	}
	for _, task := range snap.Tasks {
		if task.Status != scheduler.TaskCancelled {
			t.Errorf("task %s = %v, want cancelled", task.ID, task.Status)
		}
	}
	if fake.callCount(agent.KindBackend) != 0 {
		t.Error("backend dispatched after cancellation")
	}

	evs := mustEvents(t, svc, runID)
	if _, ok := evs[len(evs)-1].(events.RunCancelled); !ok {
		t.Errorf("last event = %T, want RunCancelled", evs[len(evs)-1])
	}
	if !errors.Is(svc.Cancel(runID), ErrRunFinished) {
		t.Error("second cancel should report a finished run")
	}
	if len(rec.all()) != 1 {
		t.Error("cancelled run was not recorded")
	}
}

// TestConcurrencyLimit verifies the number of in-flight tasks never exceeds the cap.
func TestConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	slow := func(ctx context.Context, req agent.Request) (agent.Result, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return defaultResult(req), nil
	}
	fake := newFakeCapability()
	for _, k := range agent.Kinds() {
		fake.on(k, slow)
	}
	svc := newTestService(t, fake, func(o *Options) { o.MaxConcurrency = 2 })

	cfg := saasConfig()
	cfg.Integrations = []project.Integration{{Type: project.IntegrationStripe, Enabled: true}}
	snap := startAndWait(t, svc, "proj-cap", cfg)

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v (%s)", snap.Status, snap.ErrorSummary)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", got)
	}
	if got := peak.Load(); got < 2 {
		t.Errorf("peak concurrency %d, expected independent tasks to overlap", got)
	}
}

// TestRetryThenSuccess retries a recoverable error and completes the task.
func TestRetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	fake := newFakeCapability().on(agent.KindDatabase, func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if attempts.Add(1) == 1 {
			return agent.Result{}, agent.Recoverablef("rate limited")
		}
		return defaultResult(req), nil
	})
	svc := newTestService(t, fake, nil)

	snap := startAndWait(t, svc, "proj-retry", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v (%s)", snap.Status, snap.ErrorSummary)
	}
	db, _ := snap.Task("database")
	if db.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", db.RetryCount)
	}

	var warned bool
	for _, e := range mustEvents(t, svc, snap.RunID) {
		if l, ok := e.(events.Log); ok && l.Severity == agent.SeverityWarn && l.ID == "database" && strings.Contains(l.Message, "rate limited") {
			warned = true
		}
		if s, ok := e.(events.TaskStatusChanged); ok && s.ID == "database" && s.Status == "failed" {
			t.Error("retried task must not report failed")
		}
	}
	if !warned {
		t.Error("expected a warning log for the retry")
	}
}

// TestRetryExhaustionFailsTask turns repeated recoverable errors into a failure.
func TestRetryExhaustionFailsTask(t *testing.T) {
	fake := newFakeCapability().on(agent.KindDatabase, func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{}, agent.Recoverablef("provider overloaded")
	})
	svc := newTestService(t, fake, func(o *Options) { o.Retry = fastRetry(2) })

	snap := startAndWait(t, svc, "proj-exhaust", apiConfig())

	if snap.Status != RunFailed {
		t.Fatalf("status = %v, want failed", snap.Status)
	}
	db, _ := snap.Task("database")
	if db.Status != scheduler.TaskFailed || db.RetryCount != 1 {
		t.Errorf("database = %v with %d retries", db.Status, db.RetryCount)
	}
	if !strings.Contains(db.Error, "giving up after 2 attempts") {
		t.Errorf("database error = %q", db.Error)
	}
	for _, id := range []string{"backend", "devops"} {
		if got := taskStatus(t, snap, id); got != scheduler.TaskSkipped {
			t.Errorf("%s = %v, want skipped", id, got)
		}
	}
	if fake.callCount(agent.KindDatabase) != 2 {
		t.Errorf("database attempts = %d, want 2", fake.callCount(agent.KindDatabase))
	}
}

// TestTaskTimeoutIsRetried lets the first attempt overrun its timeout.
func TestTaskTimeoutIsRetried(t *testing.T) {
	var attempts atomic.Int32
	fake := newFakeCapability().on(agent.KindDatabase, func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return agent.Result{}, ctx.Err()
		}
		return defaultResult(req), nil
	})
	svc := newTestService(t, fake, func(o *Options) { o.TaskTimeout = 50 * time.Millisecond })

	snap := startAndWait(t, svc, "proj-timeout", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v (%s)", snap.Status, snap.ErrorSummary)
	}
	if db, _ := snap.Task("database"); db.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", db.RetryCount)
	}
}

// TestCollisionLogsWarning lets two tasks write the same path.
func TestCollisionLogsWarning(t *testing.T) {
	shared := func(content string) agent.CapabilityFunc {
		return func(context.Context, agent.Request) (agent.Result, error) {
			return agent.Result{Files: []agent.File{{Path: "README.md", Content: content}}}, nil
		}
	}
	fake := newFakeCapability().
		on(agent.KindDatabase, shared("schema notes")).
		on(agent.KindBackend, shared("api notes"))
	svc := newTestService(t, fake, nil)

	snap := startAndWait(t, svc, "proj-collide", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v (%s)", snap.Status, snap.ErrorSummary)
	}
	files, _ := svc.Files(snap.RunID)
	var readme string
	for _, f := range files {
		if f.Path == "README.md" {
			readme = f.Content
			if f.TaskID != "backend" {
				t.Errorf("README.md owned by %s, want backend", f.TaskID)
			}
		}
	}
	if readme != "api notes" {
		t.Errorf("README.md = %q, want last writer's content", readme)
	}

	var warnings int
	for _, e := range mustEvents(t, svc, snap.RunID) {
		l, ok := e.(events.Log)
		if !ok || l.Kind != agent.KindOrchestrator {
			continue
		}
		warnings++
		if l.Severity != agent.SeverityWarn || !strings.Contains(l.Message, "database") || !strings.Contains(l.Message, "backend") {
			t.Errorf("unexpected collision log: %+v", l)
		}
	}
	if warnings != 1 {
		t.Errorf("collision warnings = %d, want 1", warnings)
	}
}

// TestInvalidFileFailsTask rejects a path escaping the project root.
func TestInvalidFileFailsTask(t *testing.T) {
	fake := newFakeCapability().on(agent.KindDatabase, func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Files: []agent.File{{Path: "../etc/passwd", Content: "x"}}}, nil
	})
	svc := newTestService(t, fake, nil)

	snap := startAndWait(t, svc, "proj-path", apiConfig())

	if got := taskStatus(t, snap, "database"); got != scheduler.TaskFailed {
		t.Errorf("database = %v, want failed", got)
	}
	if len(snap.Files) != 0 {
		t.Errorf("expected no files, got %v", snap.Files)
	}
}

// TestProgressIsMonotonic feeds out-of-order progress reports.
func TestProgressIsMonotonic(t *testing.T) {
	fake := newFakeCapability().on(agent.KindDatabase, func(_ context.Context, req agent.Request) (agent.Result, error) {
		for _, pct := range []int{10, 5, 60, 40, 150} {
			req.Reporter.Progress(pct)
		}
		return defaultResult(req), nil
	})
	svc := newTestService(t, fake, nil)

	snap := startAndWait(t, svc, "proj-progress", apiConfig())

	var reported []int
	for _, e := range mustEvents(t, svc, snap.RunID) {
		if p, ok := e.(events.TaskProgress); ok && p.ID == "database" {
			reported = append(reported, p.Progress)
		}
	}
	if got := fmt.Sprint(reported); got != "[10 60 100]" {
		t.Errorf("database progress events = %s, want [10 60 100]", got)
	}
}

// TestStartRejectsActiveProject allows one non-terminal run per project.
func TestStartRejectsActiveProject(t *testing.T) {
	started := make(chan string, 1)
	fake := newFakeCapability().on(agent.KindDatabase, blockUntilCancelled(started))
	svc := newTestService(t, fake, nil)

	first, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-busy", Config: apiConfig()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if _, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-busy", Config: apiConfig()}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second Start error = %v, want ErrRunActive", err)
	}
	if active, ok := svc.ActiveRun("proj-busy"); !ok || active != first {
		t.Errorf("active run = %q, %v", active, ok)
	}

	// Other projects are independent.
	other, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-other", Config: apiConfig()})
	if err != nil {
		t.Fatalf("Start other project: %v", err)
	}
	<-started

	for _, id := range []string{first, other} {
		if err := svc.Cancel(id); err != nil {
			t.Fatalf("Cancel %s: %v", id, err)
		}
		waitFor(t, svc, id)
	}

	// A finished run frees the project.
	fake.on(agent.KindDatabase, nil)
	snap := startAndWait(t, svc, "proj-busy", apiConfig())
	if snap.Status != RunCompleted {
		t.Errorf("status = %v, want completed", snap.Status)
	}
	if got := len(svc.Runs()); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

// TestStartValidationError registers nothing for a bad configuration.
func TestStartValidationError(t *testing.T) {
	svc := newTestService(t, newFakeCapability(), nil)

	tests := []struct {
		name string
		cfg  project.Config
	}{
		{"unknown template", project.Config{Template: "PORTFOLIO"}},
		{"unknown database", project.Config{Template: project.TemplateAPI, Database: &project.DatabaseConfig{Type: "oracle"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-invalid", Config: tt.cfg})
			var verr *scheduler.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}
	if len(svc.Runs()) != 0 {
		t.Error("invalid configuration registered a run")
	}
	if _, ok := svc.ActiveRun("proj-invalid"); ok {
		t.Error("invalid configuration claimed the project")
	}
	if _, err := svc.Status("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Status(missing) = %v, want ErrRunNotFound", err)
	}
}

// TestMissingCapabilityRejected requires every scheduled kind to be served.
func TestMissingCapabilityRejected(t *testing.T) {
	fake := newFakeCapability()
	set := agent.Uniform(fake)
	set.DevOps = nil
	svc := New(Options{Capabilities: set})

	if _, err := svc.Start(context.Background(), StartRequest{ProjectID: "p", Config: apiConfig()}); err == nil {
		t.Fatal("expected an error for a missing devops capability")
	}
	if len(svc.Runs()) != 0 {
		t.Error("run registered despite missing capability")
	}
}

// TestHooks runs before and after hooks around a generation.
func TestHooks(t *testing.T) {
	hooks := plugins.NewRegistry()
	if err := hooks.Register(plugins.Plugin{ID: "audit", Name: "Audit", Type: plugins.TypeMiddleware, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		after []plugins.HookContext
	)
	_ = hooks.RegisterHook("audit", plugins.HookAfterGenerate, func(_ context.Context, hc plugins.HookContext) error {
		mu.Lock()
		defer mu.Unlock()
		after = append(after, hc)
		return nil
	})

	fake := newFakeCapability()
	svc := newTestService(t, fake, func(o *Options) { o.Hooks = hooks })
	snap := startAndWait(t, svc, "proj-hooks", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v", snap.Status)
	}
	mu.Lock()
	if len(after) != 1 || after[0].Status != "completed" || len(after[0].Files) != 3 || after[0].RunID != snap.RunID {
		t.Errorf("after hook context = %+v", after)
	}
	mu.Unlock()

	// A failing before hook stops the run before any dispatch.
	_ = hooks.RegisterHook("audit", plugins.HookBeforeGenerate, func(context.Context, plugins.HookContext) error {
		return errors.New("quota exceeded")
	})
	snap = startAndWait(t, svc, "proj-hooks", apiConfig())

	if snap.Status != RunFailed {
		t.Fatalf("status = %v, want failed", snap.Status)
	}
	if !strings.Contains(snap.ErrorSummary, "quota exceeded") {
		t.Errorf("error summary = %q", snap.ErrorSummary)
	}
	for _, task := range snap.Tasks {
		if task.Status != scheduler.TaskSkipped {
			t.Errorf("task %s = %v, want skipped", task.ID, task.Status)
		}
	}
	if fake.callCount(agent.KindDatabase) != 1 {
		t.Error("capability invoked despite failing before hook")
	}
}

// TestShutdownCancelsActiveRuns stops in-flight work and refuses new runs.
func TestShutdownCancelsActiveRuns(t *testing.T) {
	started := make(chan string, 1)
	fake := newFakeCapability().on(agent.KindDatabase, blockUntilCancelled(started))
	svc := New(Options{Capabilities: agent.Uniform(fake)})

	runID, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-shutdown", Config: apiConfig()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	snap, err := svc.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != RunCancelled {
		t.Errorf("status = %v, want cancelled", snap.Status)
	}
	if _, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-new", Config: apiConfig()}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after shutdown = %v, want ErrShuttingDown", err)
	}
}

// TestCancelMidRunKeepsCompletedFiles cancels a SaaS run after database has
// completed while backend is running and the rest are still pending.
func TestCancelMidRunKeepsCompletedFiles(t *testing.T) {
	started := make(chan string, 1)
	fake := newFakeCapability().on(agent.KindBackend, blockUntilCancelled(started))
	svc := newTestService(t, fake, nil)

	runID, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-mid", Config: saasConfig()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend task never started")
	}

	// The snapshot is republished after dispatch; poll until it shows backend running.
	var before Snapshot
	deadline := time.Now().Add(2 * time.Second)
	for {
		before, err = svc.Status(runID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if taskStatus(t, before, "backend") == scheduler.TaskRunning || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for id, want := range map[string]scheduler.TaskStatus{
		"database": scheduler.TaskCompleted,
		"backend":  scheduler.TaskRunning,
		"frontend": scheduler.TaskPending,
		"auth":     scheduler.TaskPending,
		"devops":   scheduler.TaskPending,
	} {
		if got := taskStatus(t, before, id); got != want {
			t.Fatalf("before cancel: task %s = %v, want %v", id, got, want)
		}
	}

	if err := svc.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := waitFor(t, svc, runID)

	if snap.Status != RunCancelled {
		t.Fatalf("status = %v, want cancelled", snap.Status)
	}
	if got := taskStatus(t, snap, "database"); got != scheduler.TaskCompleted {
		t.Errorf("database = %v, want completed", got)
	}
	for _, id := range []string{"backend", "frontend", "auth", "devops"} {
		if got := taskStatus(t, snap, id); got != scheduler.TaskCancelled {
			t.Errorf("task %s = %v, want cancelled", id, got)
		}
	}
	for _, kind := range []agent.Kind{agent.KindFrontend, agent.KindAuth, agent.KindDevOps} {
		if n := fake.callCount(kind); n != 0 {
			t.Errorf("%s dispatched %d times after cancellation", kind, n)
		}
	}

	files, err := svc.Files(runID)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 1 || files[0].Path != "database/main.txt" || files[0].TaskID != "database" {
		t.Errorf("files = %+v, want only the database batch", files)
	}
}

// TestCancelDoesNotWaitForUnresponsiveCapability cancels a run whose task
// ignores its context. The run settles at once and the project is free again.
func TestCancelDoesNotWaitForUnresponsiveCapability(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	fake := newFakeCapability().on(agent.KindDatabase, func(_ context.Context, req agent.Request) (agent.Result, error) {
		started <- req.TaskID
		<-release
		return defaultResult(req), nil
	})
	svc := newTestService(t, fake, func(o *Options) { o.TaskTimeout = time.Minute })

	runID, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-stuck", Config: apiConfig()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("database task never started")
	}

	if err := svc.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := svc.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait blocked on an unresponsive capability: %v", err)
	}
	if snap.Status != RunCancelled {
		t.Fatalf("status = %v, want cancelled", snap.Status)
	}
	if id, ok := svc.ActiveRun("proj-stuck"); ok {
		t.Fatalf("project still held by run %s", id)
	}

	next, err := svc.Start(context.Background(), StartRequest{ProjectID: "proj-stuck", Config: apiConfig()})
	if err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	if next == runID {
		t.Error("restart reused the cancelled run id")
	}
	if err := svc.Cancel(next); err != nil {
		t.Fatalf("Cancel restarted run: %v", err)
	}
	waitFor(t, svc, next)
}

// TestTaskTimeoutAbandonsUnresponsiveCapability overruns the attempt timeout
// with a capability that never looks at its context.
func TestTaskTimeoutAbandonsUnresponsiveCapability(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var attempts atomic.Int32
	fake := newFakeCapability().on(agent.KindDatabase, func(_ context.Context, req agent.Request) (agent.Result, error) {
		if attempts.Add(1) == 1 {
			<-release
		}
		return defaultResult(req), nil
	})
	svc := newTestService(t, fake, func(o *Options) { o.TaskTimeout = 50 * time.Millisecond })

	start := time.Now()
	snap := startAndWait(t, svc, "proj-hard-timeout", apiConfig())

	if snap.Status != RunCompleted {
		t.Fatalf("status = %v (%s)", snap.Status, snap.ErrorSummary)
	}
	if db, _ := snap.Task("database"); db.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", db.RetryCount)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v; the stuck attempt was not abandoned", elapsed)
	}
}
