// Package jobstore provides persistent storage for mosaic build jobs and
// their per-level statistics using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seal-mosaic/server/internal/mosaic"
)

// JobStatus represents the current state of a build job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobParams contains the parameters for a build job. Selection holds the
// normalized (flat) cell IDs; empty means every cell of the dataset.
type JobParams struct {
	DatasetID     string  `json:"dataset_id"`
	Selection     []int64 `json:"selection,omitempty"`
	SelectionPath string  `json:"selection_path,omitempty"`
	Seed          uint64  `json:"seed"`
	Mode          string  `json:"mode,omitempty"`
	Preview       bool    `json:"preview"`
}

// Build phases recorded in JobProgress.
const (
	PhaseLoading  = "loading"
	PhasePlacing  = "placing"
	PhaseFinished = "finished"
)

// JobProgress is the level currently being built.
type JobProgress struct {
	Phase  string `json:"phase"`
	Level  int    `json:"level"`
	Levels int    `json:"levels"`
}

// Outcome is what a finished build reports back for its job.
type Outcome struct {
	OutputDir string
	Levels    int
	CellCount int
	// Cached is set when the output of an identical earlier build was reused.
	Cached bool
}

// Job represents a mosaic build job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	OutputDir  string      `json:"output_dir,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// LevelRecord is the stored outcome of one pyramid level.
type LevelRecord struct {
	Level     int   `json:"level"`
	Height    int   `json:"height"`
	Width     int   `json:"width"`
	Accepted  int   `json:"accepted"`
	Rejected  int   `json:"rejected"`
	Missing   int   `json:"missing"`
	Empty     int   `json:"empty"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Store provides persistent storage for build jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mosaic_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		level INTEGER DEFAULT 0,
		levels INTEGER DEFAULT 0,
		output_dir TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mosaic_jobs_dataset ON mosaic_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_mosaic_jobs_status ON mosaic_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_mosaic_jobs_finished ON mosaic_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS mosaic_levels (
		job_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		height INTEGER NOT NULL,
		width INTEGER NOT NULL,
		accepted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		missing INTEGER NOT NULL,
		empty INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		PRIMARY KEY (job_id, level),
		FOREIGN KEY (job_id) REFERENCES mosaic_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, level, levels, output_dir, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mosaic_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Level,
		job.Progress.Levels,
		job.OutputDir,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM mosaic_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message. Terminal
// statuses also set finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, p JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET phase = ?, level = ?, levels = ?
		WHERE job_id = ?
	`, p.Phase, p.Level, p.Levels, jobID)
	return err
}

// SetOutputDir records where a job's output was published.
func (s *Store) SetOutputDir(jobID, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE mosaic_jobs SET output_dir = ? WHERE job_id = ?`, dir, jobID)
	return err
}

// InsertLevel stores the statistics of one finished level. Re-inserting a
// level replaces it.
func (s *Store) InsertLevel(jobID string, st mosaic.LevelStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO mosaic_levels (job_id, level, height, width, accepted, rejected, missing, empty, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, st.Level, st.Shape.Height, st.Shape.Width, st.Accepted, st.Rejected, st.Missing, st.Empty,
		st.Elapsed.Milliseconds())
	return err
}

// ListLevels returns the stored levels of a job in level order.
func (s *Store) ListLevels(jobID string) ([]LevelRecord, error) {
	rows, err := s.db.Query(`
		SELECT level, height, width, accepted, rejected, missing, empty, elapsed_ms
		FROM mosaic_levels WHERE job_id = ?
		ORDER BY level ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LevelRecord
	for rows.Next() {
		var r LevelRecord
		if err := rows.Scan(&r.Level, &r.Height, &r.Width, &r.Accepted, &r.Rejected, &r.Missing, &r.Empty, &r.ElapsedMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM mosaic_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM mosaic_jobs WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart
// recovery). A level that was in progress is rebuilt by a new job.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs finished more than retentionDays ago.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	_, err := s.db.Exec(`
		DELETE FROM mosaic_levels WHERE job_id IN (
			SELECT job_id FROM mosaic_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM mosaic_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its level records.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM mosaic_levels WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM mosaic_jobs WHERE job_id = ?", jobID)
	return err
}

var errBadTimestamp = errors.New("bad timestamp")

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q", errBadTimestamp, s)
	}
	return t, nil
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Level,
			&job.Progress.Levels,
			&job.OutputDir,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		if job.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		if startedAtStr.Valid {
			t, err := parseTime(startedAtStr.String)
			if err != nil {
				return nil, err
			}
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, err := parseTime(finishedAtStr.String)
			if err != nil {
				return nil, err
			}
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
