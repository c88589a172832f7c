package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/poddipe/poddipe/pkg/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_numbers (
		project_key TEXT PRIMARY KEY,
		number INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_key TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		build_number INTEGER NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS step_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_key);
	CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) NextBuildNumber(projectKey string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO build_numbers (project_key, number) VALUES (?, 1)
		ON CONFLICT(project_key) DO UPDATE SET number = number + 1
	`, projectKey)
	if err != nil {
		return 0, fmt.Errorf("increment build number: %w", err)
	}

	var number int
	if err := tx.QueryRow(`SELECT number FROM build_numbers WHERE project_key = ?`, projectKey).Scan(&number); err != nil {
		return 0, fmt.Errorf("read build number: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return number, nil
}

func (s *SQLiteStore) CreateRun(run *models.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = models.RunRunning
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, project_key, pipeline, build_number, state, exit_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectKey, run.Pipeline, run.BuildNumber, string(run.State), run.ExitCode, run.Error, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) FinishRun(id string, state models.RunState, exitCode int, errorMessage string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET state = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(state), exitCode, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(projectKey string, limit int) ([]*models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, project_key, pipeline, build_number, state, exit_code, error, created_at, completed_at
		FROM runs WHERE project_key = ?
		ORDER BY created_at DESC LIMIT ?
	`, projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		var run models.PipelineRun
		var state string
		var completedAt sql.NullTime
		err := rows.Scan(&run.ID, &run.ProjectKey, &run.Pipeline, &run.BuildNumber,
			&state, &run.ExitCode, &run.Error, &run.CreatedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.State = models.RunState(state)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func (s *SQLiteStore) RecordStepResult(result *models.StepResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO step_results (run_id, step_id, name, state, exit_code, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, result.RunID, result.StepID, result.Name, string(result.State), result.ExitCode, result.DurationMs, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListStepResults(runID string) ([]*models.StepResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step_id, name, state, exit_code, duration_ms, created_at
		FROM step_results WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var results []*models.StepResult
	for rows.Next() {
		var result models.StepResult
		var state string
		err := rows.Scan(&result.RunID, &result.StepID, &result.Name, &state,
			&result.ExitCode, &result.DurationMs, &result.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		result.State = models.StepState(state)
		results = append(results, &result)
	}

	return results, rows.Err()
}
