package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/songzhibin97/stepflow/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		version     INTEGER NOT NULL,
		data        BLOB NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
}

// SQLiteStore is a RunStore on a local SQLite database, so suspended runs
// survive the process and can be resumed by another one.
type SQLiteStore struct {
	conn  *sql.DB
	path  string
	codec Codec
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. A nil codec means JSON.
func NewSQLiteStore(path string, codec Codec) (*SQLiteStore, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create runs table: %w", err)
		}
	}

	return &SQLiteStore{conn: conn, path: path, codec: codec}, nil
}

// Save upserts the run.
func (s *SQLiteStore) Save(ctx context.Context, run types.RunState) error {
	data, err := s.codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.RunID, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_id, status, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status      = excluded.status,
			version     = excluded.version,
			data        = excluded.data,
			updated_at  = excluded.updated_at`,
		run.RunID, run.WorkflowID, string(run.Status), run.Version, data, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// Load reads the run.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (types.RunState, error) {
	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RunState{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
	} else if err != nil {
		return types.RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	run, err := s.codec.Unmarshal(data)
	if err != nil {
		return types.RunState{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return run, nil
}

// Delete removes the run.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

// CompareAndSwap inserts (expectedVersion 0) or conditionally updates the run.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, run types.RunState, expectedVersion int64) error {
	data, err := s.codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.RunID, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.conn.ExecContext(ctx, `
			INSERT INTO runs (run_id, workflow_id, status, version, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO NOTHING`,
			run.RunID, run.WorkflowID, string(run.Status), run.Version, data, run.UpdatedAt)
	} else {
		res, err = s.conn.ExecContext(ctx, `
			UPDATE runs SET status = ?, version = ?, data = ?, updated_at = ?
			WHERE run_id = ? AND version = ?`,
			string(run.Status), run.Version, data, run.UpdatedAt, run.RunID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.RunID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.RunID, err)
	}
	if n == 1 {
		return nil
	}
	if expectedVersion == 0 {
		return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
	}

	var current int64
	err = s.conn.QueryRowContext(ctx, `SELECT version FROM runs WHERE run_id = ?`, run.RunID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id=%s", ErrRunNotFound, run.RunID)
	} else if err != nil {
		return fmt.Errorf("failed to read run %s version: %w", run.RunID, err)
	}
	return fmt.Errorf("%w: run %s at version %d, expected %d", ErrConflict, run.RunID, current, expectedVersion)
}

// ClearTerminal deletes completed, bailed and failed runs.
func (s *SQLiteStore) ClearTerminal(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM runs WHERE status IN (?, ?, ?)`,
		string(types.StatusCompleted), string(types.StatusBailed), string(types.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to clear terminal runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RunSummary is one row of List.
type RunSummary struct {
	RunID      string
	WorkflowID string
	Status     types.Status
	UpdatedAt  int64
}

// List returns stored runs, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, workflow_id, status, updated_at FROM runs
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			rs     RunSummary
			status string
		)
		if err := rows.Scan(&rs.RunID, &rs.WorkflowID, &status, &rs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		rs.Status = types.Status(status)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
