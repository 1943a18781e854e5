package database

import (
	"database/sql"
	"fmt"
	"time"

	"webship/internal/logger"
	"webship/internal/pipeline"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// InitDB opens the run-history database and creates its tables.
func InitDB(path string) (*sql.DB, error) {
	log := logger.WithModule("database")
	log.WithField("path", path).Info("Initializing database connection")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		build_number INTEGER PRIMARY KEY,
		commit_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		summary TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS stage_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_number INTEGER NOT NULL,
		name TEXT NOT NULL,
		outcome TEXT NOT NULL,
		diagnostic TEXT,
		duration_ms INTEGER NOT NULL,
		FOREIGN KEY (build_number) REFERENCES runs(build_number)
	);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Info("Database tables initialized")

	return db, nil
}

// Store persists runs and stage results. It implements pipeline.Recorder.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logger.WithModule("database"),
	}
}

// NextBuildNumber allocates the next monotonic run identifier.
func (s *Store) NextBuildNumber() (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(build_number) FROM runs").Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to allocate build number: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// RunStarted inserts the run record with status running.
func (s *Store) RunStarted(run *pipeline.Run) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (build_number, commit_ref, status, started_at) VALUES (?, ?, ?, ?)",
		run.BuildNumber, run.CommitRef, "running", run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	s.logger.WithField("run", run.BuildNumber).Debug("Run recorded")
	return nil
}

// StageCompleted appends one stage result.
func (s *Store) StageCompleted(run *pipeline.Run, result pipeline.StageResult) error {
	_, err := s.db.Exec(
		"INSERT INTO stage_results (build_number, name, outcome, diagnostic, duration_ms) VALUES (?, ?, ?, ?, ?)",
		run.BuildNumber, result.Name, string(result.Outcome), result.Diagnostic,
		result.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert stage result: %w", err)
	}
	return nil
}

// RunFinished stores the terminal status and summary.
func (s *Store) RunFinished(run *pipeline.Run) error {
	_, err := s.db.Exec(
		"UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE build_number = ?",
		string(run.Status), run.Summary, run.FinishedAt, run.BuildNumber)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun loads a run and its stage results.
func (s *Store) GetRun(buildNumber int) (*pipeline.Run, error) {
	run := &pipeline.Run{BuildNumber: buildNumber}
	var status string
	var finished sql.NullTime
	err := s.db.QueryRow(
		"SELECT commit_ref, status, COALESCE(summary, ''), started_at, finished_at FROM runs WHERE build_number = ?",
		buildNumber).Scan(&run.CommitRef, &status, &run.Summary, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	run.Status = pipeline.Status(status)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	rows, err := s.db.Query(
		"SELECT name, outcome, COALESCE(diagnostic, ''), duration_ms FROM stage_results WHERE build_number = ? ORDER BY id",
		buildNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var result pipeline.StageResult
		var outcome string
		var durationMs int64
		if err := rows.Scan(&result.Name, &outcome, &result.Diagnostic, &durationMs); err != nil {
			return nil, err
		}
		result.Outcome = pipeline.Outcome(outcome)
		result.Duration = time.Duration(durationMs) * time.Millisecond
		run.Results = append(run.Results, result)
	}
	return run, rows.Err()
}
