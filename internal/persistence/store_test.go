package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testRecord builds a finished two-task run.
func testRecord(runID, projectID string, created time.Time) orchestrator.Record {
	clock := func() time.Time { return created.Add(time.Second) }
	em := events.NewEmitter(runID, nil, clock)
	em.Emit(events.RunStarted{ProjectID: projectID, Tasks: 2})
	em.Emit(events.TaskStatusChanged{ID: "database", Kind: agent.KindDatabase, Status: "completed", Progress: 100})
	em.Emit(events.FileGenerated{ID: "database", Path: "db/schema.sql", Size: 21})
	em.Emit(events.Log{Severity: agent.SeverityError, Kind: agent.KindBackend, ID: "backend", Message: "boom"})
	em.Emit(events.RunFailed{ErrorSummary: "backend: boom", Duration: 3 * time.Second})

	return orchestrator.Record{
		Snapshot: orchestrator.Snapshot{
			RunID:     runID,
			ProjectID: projectID,
			UserID:    "user-1",
			Config: project.Config{
				Name:     "shop",
				Template: project.TemplateAPI,
				Database: &project.DatabaseConfig{Type: project.DatabaseSQLite},
			},
			Status:   orchestrator.RunFailed,
			Progress: 50,
			Tasks: []orchestrator.TaskSnapshot{
				{
					ID: "database", Name: "Database schema", Kind: agent.KindDatabase,
					DependsOn: []string{}, Status: scheduler.TaskCompleted, Progress: 100,
					Usage:     agent.Usage{InputTokens: 100, OutputTokens: 40},
					StartedAt: created.Add(time.Second), CompletedAt: created.Add(2 * time.Second),
				},
				{
					ID: "backend", Name: "Backend API", Kind: agent.KindBackend,
					DependsOn: []string{"database"}, Status: scheduler.TaskFailed, RetryCount: 2, Error: "boom",
					StartedAt: created.Add(2 * time.Second), CompletedAt: created.Add(3 * time.Second),
				},
			},
			Files:        []aggregate.Info{{Path: "db/schema.sql", TaskID: "database", Size: 21}},
			Usage:        agent.Usage{InputTokens: 100, OutputTokens: 40},
			CreatedAt:    created,
			StartedAt:    created.Add(time.Second),
			FinishedAt:   created.Add(3 * time.Second),
			ErrorSummary: "backend: boom",
		},
		Files: []aggregate.GeneratedFile{
			{Path: "db/schema.sql", TaskID: "database", Content: "create table items();", Size: 21},
		},
		Events: em.History(),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	rec := testRecord("run-1", "proj-1", base)

	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	want := rec.Snapshot
	if got.RunID != want.RunID || got.ProjectID != want.ProjectID || got.UserID != want.UserID {
		t.Errorf("identity mismatch: got %s/%s/%s", got.RunID, got.ProjectID, got.UserID)
	}
	if got.Status != orchestrator.RunFailed {
		t.Errorf("expected status failed, got %v", got.Status)
	}
	if got.Progress != 50 || got.ErrorSummary != "backend: boom" {
		t.Errorf("progress/summary mismatch: %d %q", got.Progress, got.ErrorSummary)
	}
	if got.Usage != want.Usage {
		t.Errorf("usage = %+v, want %+v", got.Usage, want.Usage)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("timestamps mismatch: %v %v %v", got.CreatedAt, got.StartedAt, got.FinishedAt)
	}
	if got.Config.Template != project.TemplateAPI || got.Config.Database == nil || got.Config.Database.Type != project.DatabaseSQLite {
		t.Errorf("config not round-tripped: %+v", got.Config)
	}

	if len(got.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got.Tasks))
	}
	backend := got.Tasks[1]
	if backend.ID != "backend" || backend.Kind != agent.KindBackend || backend.Status != scheduler.TaskFailed {
		t.Errorf("backend task mismatch: %+v", backend)
	}
	if backend.RetryCount != 2 || backend.Error != "boom" {
		t.Errorf("backend retry/error mismatch: %d %q", backend.RetryCount, backend.Error)
	}
	if fmt.Sprint(backend.DependsOn) != "[database]" {
		t.Errorf("backend depends on %v", backend.DependsOn)
	}
	if len(got.Tasks[0].DependsOn) != 0 {
		t.Errorf("database should have no dependencies, got %v", got.Tasks[0].DependsOn)
	}
	if !got.Tasks[0].CompletedAt.Equal(want.Tasks[0].CompletedAt) {
		t.Errorf("task completion time mismatch: %v", got.Tasks[0].CompletedAt)
	}

	if len(got.Files) != 1 || got.Files[0] != want.Files[0] {
		t.Errorf("file infos = %+v", got.Files)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Errorf("GetRun error = %v, want ErrRunNotFound", err)
	}
	if _, err := store.GetFiles(ctx, "missing"); !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Errorf("GetFiles error = %v, want ErrRunNotFound", err)
	}
	if _, err := store.GetEvents(ctx, "missing"); !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Errorf("GetEvents error = %v, want ErrRunNotFound", err)
	}
}

func TestSaveRunIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	rec := testRecord("run-1", "proj-1", base)

	for i := 0; i < 3; i++ {
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("save %d failed: %v", i+1, err)
		}
	}

	// A later save replaces the previous contents.
	rec.Snapshot.Status = orchestrator.RunCompleted
	rec.Snapshot.ErrorSummary = ""
	rec.Files = append(rec.Files, aggregate.GeneratedFile{Path: "api/main.go", TaskID: "backend", Content: "package main", Size: 12})
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("final save failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, "")
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != orchestrator.RunCompleted || runs[0].ErrorSummary != "" {
		t.Errorf("run not updated: %v %q", runs[0].Status, runs[0].ErrorSummary)
	}
	files, err := store.GetFiles(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get files: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 files, got %d", len(files))
	}
	evs, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(evs) != len(rec.Events) {
		t.Errorf("expected %d events, got %d", len(rec.Events), len(evs))
	}
}

func TestListRunsByProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	records := []orchestrator.Record{
		testRecord("run-old", "proj-1", base),
		testRecord("run-new", "proj-1", base.Add(time.Hour)),
		testRecord("run-other", "proj-2", base.Add(30*time.Minute)),
	}
	for _, rec := range records {
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("failed to save %s: %v", rec.Snapshot.RunID, err)
		}
	}

	tests := []struct {
		project string
		want    string
	}{
		{"proj-1", "[run-new run-old]"},
		{"proj-2", "[run-other]"},
		{"", "[run-new run-other run-old]"},
		{"proj-3", "[]"},
	}
	for _, tt := range tests {
		runs, err := store.ListRuns(ctx, tt.project)
		if err != nil {
			t.Fatalf("ListRuns(%q): %v", tt.project, err)
		}
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.RunID
			if len(r.Tasks) != 2 {
				t.Errorf("run %s listed with %d tasks", r.RunID, len(r.Tasks))
			}
		}
		if got := fmt.Sprint(ids); got != tt.want {
			t.Errorf("ListRuns(%q) = %s, want %s", tt.project, got, tt.want)
		}
	}
}

func TestGetEventsDecodesHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	rec := testRecord("run-1", "proj-1", base)
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	evs, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(evs) != 5 {
		t.Fatalf("expected 5 events, got %d", len(evs))
	}
	for i, e := range evs {
		m := e.Metadata()
		if m.Seq != uint64(i+1) || m.RunID != "run-1" {
			t.Errorf("event %d meta = %+v", i, m)
		}
		if e.EventType() != rec.Events[i].EventType() {
			t.Errorf("event %d type %s, want %s", i, e.EventType(), rec.Events[i].EventType())
		}
	}
	file, ok := evs[2].(events.FileGenerated)
	if !ok || file.Path != "db/schema.sql" || file.Size != 21 {
		t.Errorf("file event = %#v", evs[2])
	}
	failed, ok := evs[4].(events.RunFailed)
	if !ok || failed.ErrorSummary != "backend: boom" || failed.Duration != 3*time.Second {
		t.Errorf("terminal event = %#v", evs[4])
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "appforge.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SaveRun(ctx, testRecord("run-1", "proj-1", base)); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	files, err := reopened.GetFiles(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get files: %v", err)
	}
	if len(files) != 1 || files[0].Content != "create table items();" {
		t.Errorf("files = %+v", files)
	}
}

func TestRecorderIntegration(t *testing.T) {
	store := testStore(t)
	svc := orchestrator.New(orchestrator.Options{
		Capabilities: agent.Uniform(agent.CapabilityFunc(func(_ context.Context, req agent.Request) (agent.Result, error) {
			return agent.Result{Files: []agent.File{{Path: string(req.Kind) + ".txt", Content: "ok"}}}, nil
		})),
		Recorder: store,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer svc.Shutdown(ctx)

	runID, err := svc.Start(ctx, orchestrator.StartRequest{
		ProjectID: "proj-live",
		Config:    project.Config{Name: "svc", Template: project.TemplateAPI},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.Wait(ctx, runID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	stored, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != orchestrator.RunCompleted || len(stored.Tasks) != 2 || len(stored.Files) != 2 {
		t.Errorf("stored run = %v with %d tasks, %d files", stored.Status, len(stored.Tasks), len(stored.Files))
	}
	evs, err := store.GetEvents(ctx, runID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if _, ok := evs[len(evs)-1].(events.RunCompleted); !ok {
		t.Errorf("last stored event = %T", evs[len(evs)-1])
	}
}
