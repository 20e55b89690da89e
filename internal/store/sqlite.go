package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	protocol_name TEXT NOT NULL,
	protocol_root TEXT NOT NULL,
	workspace_dir TEXT NOT NULL,
	worktree_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	engine_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	state_version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	engine_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	qa_policy TEXT NOT NULL DEFAULT '',
	max_retries INTEGER NOT NULL DEFAULT 0,
	depends_on TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	state_version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.StateVersion = 1
	if run.Status == "" {
		run.Status = RunPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, protocol_name, protocol_root, workspace_dir, worktree_path,
			status, engine_id, model, state_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProtocolName, run.ProtocolRoot, run.WorkspaceDir, run.WorktreePath,
		run.Status, run.EngineID, run.Model, run.StateVersion, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_name, protocol_root, workspace_dir, worktree_path,
			status, engine_id, model, state_version, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	query := `
		SELECT id, protocol_name, protocol_root, workspace_dir, worktree_path,
			status, engine_id, model, state_version, created_at, updated_at
		FROM runs`
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, id string, to RunStatus, from ...RunStatus) error {
	if len(from) == 0 {
		return ErrConflict
	}
	args := []any{to, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, state_version = state_version + 1, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	return s.checkAffected(ctx, res, "runs", id, ErrRunNotFound)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET engine_id = ?, model = ?, worktree_path = ?,
			state_version = state_version + 1, updated_at = ?
		WHERE id = ? AND state_version = ?`,
		run.EngineID, run.Model, run.WorktreePath, time.Now().UTC(),
		run.ID, run.StateVersion)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := s.checkAffected(ctx, res, "runs", run.ID, ErrRunNotFound); err != nil {
		return err
	}
	run.StateVersion++
	return nil
}

func (s *SQLiteStore) CreateStep(ctx context.Context, step *Step) error {
	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now
	step.StateVersion = 1
	if step.Status == "" {
		step.Status = StepPending
	}
	deps, err := json.Marshal(depsOrEmpty(step.DependsOn))
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, name, status, engine_id, model, qa_policy,
			max_retries, depends_on, summary, state_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Status, step.EngineID, step.Model,
		step.QAPolicy, step.MaxRetries, string(deps), step.Summary,
		step.StateVersion, step.CreatedAt, step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, status, engine_id, model, qa_policy,
			max_retries, depends_on, summary, state_version, created_at, updated_at
		FROM steps WHERE id = ?`, id)
	return scanStep(row)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, status, engine_id, model, qa_policy,
			max_retries, depends_on, summary, state_version, created_at, updated_at
		FROM steps WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, id string, to StepStatus, from ...StepStatus) error {
	if len(from) == 0 {
		return ErrConflict
	}
	args := []any{to, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, state_version = state_version + 1, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	return s.checkAffected(ctx, res, "steps", id, ErrStepNotFound)
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *Step) error {
	deps, err := json.Marshal(depsOrEmpty(step.DependsOn))
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET engine_id = ?, model = ?, qa_policy = ?, max_retries = ?,
			depends_on = ?, summary = ?, state_version = state_version + 1, updated_at = ?
		WHERE id = ? AND state_version = ?`,
		step.EngineID, step.Model, step.QAPolicy, step.MaxRetries,
		string(deps), step.Summary, time.Now().UTC(),
		step.ID, step.StateVersion)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if err := s.checkAffected(ctx, res, "steps", step.ID, ErrStepNotFound); err != nil {
		return err
	}
	step.StateVersion++
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	ev.CreatedAt = time.Now().UTC()
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, step_id, type, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.StepID, ev.Type, ev.Message, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID, stepID string) ([]*Event, error) {
	query := `
		SELECT id, run_id, step_id, type, message, metadata, created_at
		FROM events WHERE run_id = ?`
	args := []any{runID}
	if stepID != "" {
		query += " AND step_id = ?"
		args = append(args, stepID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var meta string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepID, &ev.Type, &ev.Message, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// checkAffected distinguishes a missing record from a guard failure so
// callers get the right sentinel.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id)
	if err := row.Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return notFound
		}
		return fmt.Errorf("check %s: %w", table, err)
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*Run, error) {
	run := &Run{}
	err := r.Scan(&run.ID, &run.ProtocolName, &run.ProtocolRoot, &run.WorkspaceDir,
		&run.WorktreePath, &run.Status, &run.EngineID, &run.Model,
		&run.StateVersion, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

func scanStep(r rowScanner) (*Step, error) {
	step := &Step{}
	var deps string
	err := r.Scan(&step.ID, &step.RunID, &step.Name, &step.Status, &step.EngineID,
		&step.Model, &step.QAPolicy, &step.MaxRetries, &deps, &step.Summary,
		&step.StateVersion, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &step.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	return step, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}
