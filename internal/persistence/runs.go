package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/scheduler"
)

// SaveRun stores a finished run with its tasks, files and event history.
// Saving the same run again replaces everything previously stored for it.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec orchestrator.Record) error {
	snap := rec.Snapshot
	if snap.RunID == "" {
		return errors.New("run id is required")
	}

	config, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("failed to encode project config: %w", err)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, user_id, status, progress, config, error_summary,
			input_tokens, output_tokens, created_at, started_at, finished_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			user_id = excluded.user_id,
			status = excluded.status,
			progress = excluded.progress,
			config = excluded.config,
			error_summary = excluded.error_summary,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			saved_at = CURRENT_TIMESTAMP
	`, snap.RunID, snap.ProjectID, snap.UserID, snap.Status.String(), snap.Progress, string(config), snap.ErrorSummary,
		snap.Usage.InputTokens, snap.Usage.OutputTokens,
		formatTime(snap.CreatedAt), formatTime(snap.StartedAt), formatTime(snap.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	for _, table := range []string{"run_tasks", "run_files", "run_events"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, snap.RunID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, t := range snap.Tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_id, position, name, agent_kind, depends_on, status, progress,
				retry_count, error, input_tokens, output_tokens, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snap.RunID, t.ID, i, t.Name, string(t.Kind), strings.Join(t.DependsOn, ","), t.Status.String(), t.Progress,
			t.RetryCount, t.Error, t.Usage.InputTokens, t.Usage.OutputTokens,
			formatTime(t.StartedAt), formatTime(t.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	for _, f := range rec.Files {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_files (run_id, path, task_id, content, size)
			VALUES (?, ?, ?, ?, ?)
		`, snap.RunID, f.Path, f.TaskID, f.Content, f.Size)
		if err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.Path, err)
		}
	}

	for _, e := range rec.Events {
		payload, err := events.Encode(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, type, payload)
			VALUES (?, ?, ?, ?)
		`, snap.RunID, e.Metadata().Seq, e.EventType(), string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert event %d: %w", e.Metadata().Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const runColumns = `id, project_id, user_id, status, progress, config, error_summary,
	input_tokens, output_tokens, created_at, started_at, finished_at`

// GetRun retrieves a stored run by ID, including its tasks and file list.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (orchestrator.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	snap, err := scanRun(row)
	if err == sql.ErrNoRows {
		return orchestrator.Snapshot{}, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, runID)
	}
	if err != nil {
		return orchestrator.Snapshot{}, fmt.Errorf("failed to query run: %w", err)
	}
	if err := s.loadDetails(ctx, &snap); err != nil {
		return orchestrator.Snapshot{}, err
	}
	return snap, nil
}

// ListRuns returns stored runs newest first, optionally filtered by project.
func (s *SQLiteStore) ListRuns(ctx context.Context, projectID string) ([]orchestrator.Snapshot, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []orchestrator.Snapshot
	for rows.Next() {
		snap, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	// Details are loaded after the cursor is closed; the pool has one connection.
	for i := range runs {
		if err := s.loadDetails(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// GetFiles returns the stored files of a run, sorted by path.
func (s *SQLiteStore) GetFiles(ctx context.Context, runID string) ([]aggregate.GeneratedFile, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, task_id, content, size
		FROM run_files
		WHERE run_id = ?
		ORDER BY path
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	files := []aggregate.GeneratedFile{}
	for rows.Next() {
		var f aggregate.GeneratedFile
		if err := rows.Scan(&f.Path, &f.TaskID, &f.Content, &f.Size); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// GetEvents returns the stored event history of a run in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]events.Event, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM run_events
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	evs := []events.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := events.Decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		evs = append(evs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return evs, nil
}

func (s *SQLiteStore) requireRun(ctx context.Context, runID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to check run existence: %w", err)
	}
	return nil
}

// loadDetails fills in the tasks and file list of a scanned run.
func (s *SQLiteStore) loadDetails(ctx context.Context, snap *orchestrator.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, agent_kind, depends_on, status, progress, retry_count, error,
			input_tokens, output_tokens, started_at, completed_at
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY position
	`, snap.RunID)
	if err != nil {
		return fmt.Errorf("failed to query tasks for run %s: %w", snap.RunID, err)
	}

	snap.Tasks = []orchestrator.TaskSnapshot{}
	for rows.Next() {
		var t orchestrator.TaskSnapshot
		var kind, deps, status, started, completed string
		err := rows.Scan(&t.ID, &t.Name, &kind, &deps, &status, &t.Progress, &t.RetryCount, &t.Error,
			&t.Usage.InputTokens, &t.Usage.OutputTokens, &started, &completed)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan task: %w", err)
		}
		t.Kind = agent.Kind(kind)
		t.DependsOn = []string{}
		if deps != "" {
			t.DependsOn = strings.Split(deps, ",")
		}
		if t.Status, err = scheduler.ParseStatus(status); err != nil {
			rows.Close()
			return err
		}
		if t.StartedAt, err = parseTime(started); err != nil {
			rows.Close()
			return err
		}
		if t.CompletedAt, err = parseTime(completed); err != nil {
			rows.Close()
			return err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tasks: %w", err)
	}

	fileRows, err := s.db.QueryContext(ctx, `
		SELECT path, task_id, size
		FROM run_files
		WHERE run_id = ?
		ORDER BY path
	`, snap.RunID)
	if err != nil {
		return fmt.Errorf("failed to query files for run %s: %w", snap.RunID, err)
	}
	defer fileRows.Close()

	snap.Files = []aggregate.Info{}
	for fileRows.Next() {
		var info aggregate.Info
		if err := fileRows.Scan(&info.Path, &info.TaskID, &info.Size); err != nil {
			return fmt.Errorf("failed to scan file: %w", err)
		}
		snap.Files = append(snap.Files, info)
	}
	return fileRows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	var status, config, created, started, finished string
	err := row.Scan(&snap.RunID, &snap.ProjectID, &snap.UserID, &status, &snap.Progress, &config, &snap.ErrorSummary,
		&snap.Usage.InputTokens, &snap.Usage.OutputTokens, &created, &started, &finished)
	if err != nil {
		return snap, err
	}
	if snap.Status, err = orchestrator.ParseRunStatus(status); err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(config), &snap.Config); err != nil {
		return snap, fmt.Errorf("failed to decode project config: %w", err)
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return snap, err
	}
	if snap.StartedAt, err = parseTime(started); err != nil {
		return snap, err
	}
	if snap.FinishedAt, err = parseTime(finished); err != nil {
		return snap, err
	}
	return snap, nil
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
// The zero time is stored as "".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
