// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the SQLite run store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgeline/stepflow/internal/store"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed run store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables write-ahead logging for concurrent reads.
	WAL bool
}

// New opens (creating if needed) the database at cfg.Path and prepares the
// schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so companions (the storage.kv capability)
// can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			vars TEXT,
			total_steps INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			error_step TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_name ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	vars, err := marshalJSON(run.Vars)
	if err != nil {
		return fmt.Errorf("encoding vars: %w", err)
	}
	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	const query = `INSERT INTO runs (id, workflow_name, status, vars, total_steps,
		output, error, error_step, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowName, string(run.Status), vars, run.TotalSteps,
		output, nullString(run.Error), nullString(run.ErrorStep),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
		timeOrNull(run.StartedAt), timeOrNull(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	const query = `SELECT id, workflow_name, status, vars, total_steps,
		output, error, error_step, created_at, updated_at, started_at, completed_at
		FROM runs WHERE id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return run, nil
}

// UpdateRun implements store.Store.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	vars, err := marshalJSON(run.Vars)
	if err != nil {
		return fmt.Errorf("encoding vars: %w", err)
	}
	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	run.UpdatedAt = time.Now().UTC()

	const query = `UPDATE runs SET workflow_name = ?, status = ?, vars = ?,
		total_steps = ?, output = ?, error = ?, error_step = ?,
		updated_at = ?, started_at = ?, completed_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		run.WorkflowName, string(run.Status), vars, run.TotalSteps,
		output, nullString(run.Error), nullString(run.ErrorStep),
		formatTime(run.UpdatedAt), timeOrNull(run.StartedAt), timeOrNull(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &pkgerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// ListRuns implements store.Store.
func (s *Store) ListRuns(ctx context.Context, filter store.Filter) ([]*store.Run, error) {
	query := `SELECT id, workflow_name, status, vars, total_steps,
		output, error, error_step, created_at, updated_at, started_at, completed_at
		FROM runs`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun implements store.Store.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, runID string, event workflow.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event) VALUES (?, ?)`, runID, string(encoded))
	if err != nil {
		return fmt.Errorf("appending event for run %s: %w", runID, err)
	}
	return nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]workflow.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []workflow.Event
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		var event workflow.Event
		if err := json.Unmarshal([]byte(encoded), &event); err != nil {
			return nil, fmt.Errorf("decoding stored event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*store.Run, error) {
	var run store.Run
	var status string
	var vars, output, errMsg, errStep sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&run.ID, &run.WorkflowName, &status, &vars, &run.TotalSteps,
		&output, &errMsg, &errStep, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = store.RunStatus(status)
	run.Error = errMsg.String
	run.ErrorStep = errStep.String

	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &run.Vars); err != nil {
			return nil, fmt.Errorf("decoding vars: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &run.Output); err != nil {
			return nil, fmt.Errorf("decoding output: %w", err)
		}
	}

	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &run, nil
}

// marshalJSON encodes a value for a TEXT column, mapping nil to NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout pads fractional seconds to fixed width so lexicographic order
// on the column matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeOrNull(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
