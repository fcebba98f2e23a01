// SQLite-backed run record persistence.
//
// Information Hiding:
// - SQLite connection management hidden behind RunStore
// - Schema and migration details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/revlens/revlens/model"
)

// SqliteRunStore implements RunStore using SQLite.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SqliteRunStore struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteRunStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	store := &SqliteRunStore{db: db}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteRunStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// A single :memory: database exists per connection; restrict the pool
	// so every query sees the same schema.
	db.SetMaxOpenConns(1)

	store := &SqliteRunStore{db: db}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SqliteRunStore) Close() error {
	return s.db.Close()
}

func (s *SqliteRunStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			skill_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			step_order TEXT NOT NULL DEFAULT '[]',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_runs_tenant
		ON runs(tenant_id, started_at DESC);

		CREATE INDEX IF NOT EXISTS idx_runs_skill
		ON runs(skill_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output_hash TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
			UNIQUE(run_id, step_index)
		);

		CREATE INDEX IF NOT EXISTS idx_run_steps_run
		ON run_steps(run_id, step_index);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateRun persists a new run record in the running state.
func (s *SqliteRunStore) CreateRun(ctx context.Context, record *model.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, skill_id, tenant_id, trigger_type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SkillID,
		record.TenantID,
		string(record.Trigger),
		string(record.Status),
		record.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// AppendStepResult persists one step result for a running run.
func (s *SqliteRunStore) AppendStepResult(ctx context.Context, runID string, index int, result *model.StepResult) error {
	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("append step %q to run %q: %w", result.StepID, runID, ErrRunFinalized)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize step result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, step_index, step_id, status, output_hash, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID,
		index,
		result.StepID,
		string(result.Status),
		result.OutputHash,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to store step result: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal state of a run. Idempotent: a run that
// already reached a terminal state keeps its first terminal state.
func (s *SqliteRunStore) FinalizeRun(ctx context.Context, record *model.RunRecord) error {
	if !record.Status.Terminal() {
		return fmt.Errorf("finalize run %q: status %q is not terminal", record.ID, record.Status)
	}

	stepOrder, err := json.Marshal(record.StepOrder)
	if err != nil {
		return fmt.Errorf("failed to serialize step order: %w", err)
	}

	var finishedAt interface{}
	if record.FinishedAt != nil {
		finishedAt = record.FinishedAt.UnixMilli()
	}
	var runErr interface{}
	if record.Error != "" {
		runErr = record.Error
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, step_order = ?, input_tokens = ?, output_tokens = ?,
		    total_tokens = ?, duration_ms = ?, finished_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(record.Status),
		string(stepOrder),
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		record.Usage.TotalTokens,
		record.DurationMs,
		finishedAt,
		runErr,
		record.ID,
		string(model.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: either the run is missing or already terminal.
	status, err := s.runStatus(ctx, record.ID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}
	return fmt.Errorf("finalize run %q: unexpected status %q", record.ID, status)
}

// GetRun retrieves a full run record including step results.
func (s *SqliteRunStore) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	record, err := s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, skill_id, tenant_id, trigger_type, status, step_order,
		       input_tokens, output_tokens, total_tokens, duration_ms,
		       started_at, finished_at, error
		FROM runs WHERE id = ?`, runID))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT result FROM run_steps WHERE run_id = ? ORDER BY step_index ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}
	defer rows.Close()

	var order []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		var result model.StepResult
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			return nil, fmt.Errorf("failed to decode step result: %w", err)
		}
		record.Steps[result.StepID] = &result
		order = append(order, result.StepID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	// Running runs have no persisted step order yet; derive it from the
	// step rows so callers always see execution order.
	if len(record.StepOrder) == 0 {
		record.StepOrder = order
	}

	return record, nil
}

// ListRuns returns run headers matching the filter, most recent first.
func (s *SqliteRunStore) ListRuns(ctx context.Context, filter ListFilter) ([]*model.RunRecord, error) {
	query := `
		SELECT id, skill_id, tenant_id, trigger_type, status, step_order,
		       input_tokens, output_tokens, total_tokens, duration_ms,
		       started_at, finished_at, error
		FROM runs WHERE 1=1`
	var args []interface{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.SkillID != "" {
		query += " AND skill_id = ?"
		args = append(args, filter.SkillID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	records := []*model.RunRecord{} // Start with empty slice, not nil
	for rows.Next() {
		record, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return records, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SqliteRunStore) scanRun(row rowScanner) (*model.RunRecord, error) {
	var (
		record     model.RunRecord
		trigger    string
		status     string
		stepOrder  string
		startedAt  int64
		finishedAt sql.NullInt64
		runErr     sql.NullString
	)

	err := row.Scan(
		&record.ID,
		&record.SkillID,
		&record.TenantID,
		&trigger,
		&status,
		&stepOrder,
		&record.Usage.InputTokens,
		&record.Usage.OutputTokens,
		&record.Usage.TotalTokens,
		&record.DurationMs,
		&startedAt,
		&finishedAt,
		&runErr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	record.Trigger = model.TriggerType(trigger)
	record.Status = model.RunStatus(status)
	record.StartedAt = time.UnixMilli(startedAt).UTC()
	record.Steps = make(map[string]*model.StepResult)

	if err := json.Unmarshal([]byte(stepOrder), &record.StepOrder); err != nil {
		return nil, fmt.Errorf("failed to decode step order: %w", err)
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		record.FinishedAt = &t
	}
	if runErr.Valid {
		record.Error = runErr.String
	}

	return &record, nil
}

func (s *SqliteRunStore) runStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM runs WHERE id = ?", runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return model.RunStatus(status), nil
}

// Verify SqliteRunStore implements RunStore
var _ RunStore = (*SqliteRunStore)(nil)
