// Package registry records pipeline runs and the artifacts they publish in
// SQLite.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// RunStatus is the state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Artifact kinds.
const (
	KindNeighbourhoods = "neighbourhoods"
	KindHistograms     = "histograms"
	KindAssignment     = "assignment"
	KindLoading        = "loading"
	KindPrototypes     = "prototypes"
	KindOverlay        = "overlay"
)

// RunParams are the settings a run was started with.
type RunParams struct {
	Stages           []string `json:"stages"`
	PointsPath       string   `json:"points_path,omitempty"`
	MarksPath        string   `json:"marks_path,omitempty"`
	Radius           float64  `json:"radius"`
	NClusters        int      `json:"n_clusters"`
	BatchSize        int      `json:"batch_size"`
	MaxNoImprovement int      `json:"max_no_improvement"`
	RandomSeed       int64    `json:"random_seed"`
	Cohorts          []string `json:"cohorts,omitempty"`
}

// Run is one pipeline execution.
type Run struct {
	ID         string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	Params     RunParams  `json:"params"`
	OutputDir  string     `json:"output_dir"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Artifact is a file or directory published by a run.
type Artifact struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Cohort    string    `json:"cohort,omitempty"`
	SlideID   string    `json:"slide_id,omitempty"`
	Path      string    `json:"path"`
	Rows      int64     `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed run registry.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the registry database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "create registry directory").WithDetail("path", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "open registry").WithDetail("path", dbPath)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "enable WAL").WithDetail("path", dbPath)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "set busy timeout").WithDetail("path", dbPath)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "migrate registry").WithDetail("path", dbPath)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		cohort TEXT NOT NULL DEFAULT '',
		slide_id TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		rows INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_key ON artifacts(run_id, kind, cohort, slide_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new running run with a fresh id.
func (s *Store) CreateRun(params RunParams, outputRoot string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Status:    StatusRunning,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	run.OutputDir = filepath.Join(outputRoot, run.ID)

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, output_dir, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Status), string(paramsJSON), run.OutputDir, "", formatTime(run.CreatedAt), nil)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "insert run")
	}
	return run, nil
}

// CompleteRun marks a run completed.
func (s *Store) CompleteRun(runID string) error {
	return s.finish(runID, StatusCompleted, "")
}

// FailRun marks a run failed with a message.
func (s *Store) FailRun(runID, errMsg string) error {
	return s.finish(runID, StatusFailed, errMsg)
}

func (s *Store) finish(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(status), errMsg, formatTime(time.Now().UTC()), runID)
	if err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "update run").WithDetail("run_id", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return runNotFound(runID)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, output_dir, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, runNotFound(runID)
	}
	return run, err
}

// LatestRun returns the most recently created completed run.
func (s *Store) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, output_dir, error, created_at, finished_at
		FROM runs WHERE status = ?
		ORDER BY created_at DESC LIMIT 1
	`, string(StatusCompleted))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nicheerr.New(nicheerr.TypeNotFound, "no completed run")
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 lists all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, output_dir, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
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

// MarkRunningAsFailed fails every run still marked running, which only
// happens when a process died mid-run.
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(StatusFailed), errMsg, formatTime(time.Now().UTC()), string(StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordArtifact stores or replaces an artifact entry.
func (s *Store) RecordArtifact(a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts (run_id, kind, cohort, slide_id, path, rows, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, kind, cohort, slide_id) DO UPDATE SET
			path = excluded.path, rows = excluded.rows, created_at = excluded.created_at
	`, a.RunID, a.Kind, a.Cohort, a.SlideID, a.Path, a.Rows, formatTime(a.CreatedAt))
	if err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "record artifact").
			WithDetail("run_id", a.RunID).
			WithDetail("kind", a.Kind)
	}
	return nil
}

// Artifacts lists the artifacts of a run in insertion order.
func (s *Store) Artifacts(runID string) ([]*Artifact, error) {
	rows, err := s.db.Query(`
		SELECT run_id, kind, cohort, slide_id, path, rows, created_at
		FROM artifacts WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.RunID, &a.Kind, &a.Cohort, &a.SlideID, &a.Path, &a.Rows, &created); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// FindArtifact returns the artifact of a run with the given kind, cohort and
// slide. Empty cohort or slide match artifacts recorded without one.
func (s *Store) FindArtifact(runID, kind, cohort, slideID string) (*Artifact, error) {
	var a Artifact
	var created string
	err := s.db.QueryRow(`
		SELECT run_id, kind, cohort, slide_id, path, rows, created_at
		FROM artifacts WHERE run_id = ? AND kind = ? AND cohort = ? AND slide_id = ?
	`, runID, kind, cohort, slideID).Scan(&a.RunID, &a.Kind, &a.Cohort, &a.SlideID, &a.Path, &a.Rows, &created)
	if err == sql.ErrNoRows {
		return nil, nicheerr.New(nicheerr.TypeNotFound, "artifact not found").
			WithDetail("run_id", runID).
			WithDetail("kind", kind).
			WithDetail("cohort", cohort).
			WithDetail("slide_id", slideID)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &a, nil
}

// DeleteRun deletes a run and its artifact entries. Files are left alone.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM artifacts WHERE run_id = ?", runID); err != nil {
		return err
	}
	res, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return runNotFound(runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var paramsJSON, createdAt string
	var finishedAt sql.NullString

	if err := sc.Scan(&run.ID, &run.Status, &paramsJSON, &run.OutputDir, &run.Error, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// formatTime uses a fixed-width layout so that text order is time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func runNotFound(runID string) error {
	return nicheerr.New(nicheerr.TypeNotFound, "run not found").WithDetail("run_id", runID)
}
