// Package api provides the HTTP job service for mosaic builds.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seal-mosaic/server/internal/jobstore"
	"github.com/seal-mosaic/server/internal/mosaic"
)

// BuildFunc runs the mosaic build of one job. It calls onLevel after each
// pyramid level is published, with the total number of levels.
type BuildFunc func(ctx context.Context, job *jobstore.Job, onLevel func(st mosaic.LevelStats, levels int)) (*jobstore.Outcome, error)

// ErrNoBuilder is the failure of jobs run by a manager without a BuildFunc.
var ErrNoBuilder = errors.New("no mosaic builder configured")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent builds (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep completed jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs mosaic build jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Build runs the mosaic build of one job.
	Build BuildFunc
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	// Start workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Start cleanup ticker
	go jm.cleaner()
}

// Stop stops all workers gracefully.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// A job cancelled while queued stays cancelled.
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		return
	}

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	jm.setProgress(jobID, jobstore.JobProgress{Phase: jobstore.PhaseLoading})
	log.Printf("[JobManager] job %s started: dataset %s, %s, seed %d",
		jobID, job.Params.DatasetID, describeSelection(job.Params), job.Params.Seed)

	start := time.Now()
	outcome, execErr := jm.build(ctx, job)

	switch {
	case ctx.Err() == context.Canceled:
		log.Printf("[JobManager] job %s cancelled", jobID)
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, execErr.Error())
	default:
		if err := jm.finish(jobID, outcome); err != nil {
			log.Printf("[JobManager] job %s failed: %v", jobID, err)
			jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, err.Error())
			return
		}
		log.Printf("[JobManager] job %s completed in %v: %d levels, %s cells, output %s (cached=%v)",
			jobID, time.Since(start).Round(time.Millisecond), outcome.Levels,
			humanize.Comma(int64(outcome.CellCount)), outcome.OutputDir, outcome.Cached)
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) build(ctx context.Context, job *jobstore.Job) (*jobstore.Outcome, error) {
	if jm.Build == nil {
		return nil, ErrNoBuilder
	}
	outcome, err := jm.Build(ctx, job, func(st mosaic.LevelStats, levels int) {
		jm.recordLevel(job.ID, st, levels)
	})
	if err == nil && outcome == nil {
		err = errors.New("build reported no output")
	}
	return outcome, err
}

// recordLevel stores a published level and advances the job to the next one.
func (jm *JobManager) recordLevel(jobID string, st mosaic.LevelStats, levels int) {
	if err := jm.store.InsertLevel(jobID, st); err != nil {
		log.Printf("[JobManager] job %s: failed to record level %d: %v", jobID, st.Level, err)
	}
	jm.setProgress(jobID, jobstore.JobProgress{Phase: jobstore.PhasePlacing, Level: st.Level + 1, Levels: levels})
	log.Printf("[JobManager] job %s: level %d/%d %v accepted=%s rejected=%s",
		jobID, st.Level+1, levels, st.Shape, humanize.Comma(int64(st.Accepted)), humanize.Comma(int64(st.Rejected)))
}

// finish records where a completed build's output lives.
func (jm *JobManager) finish(jobID string, outcome *jobstore.Outcome) error {
	if err := jm.store.SetOutputDir(jobID, outcome.OutputDir); err != nil {
		return err
	}
	jm.setProgress(jobID, jobstore.JobProgress{Phase: jobstore.PhaseFinished, Level: outcome.Levels, Levels: outcome.Levels})
	return nil
}

func (jm *JobManager) setProgress(jobID string, p jobstore.JobProgress) {
	if err := jm.store.UpdateJobProgress(jobID, p); err != nil {
		log.Printf("[JobManager] job %s: failed to update progress: %v", jobID, err)
	}
}

func describeSelection(p jobstore.JobParams) string {
	if len(p.Selection) == 0 {
		return "all cells"
	}
	return humanize.Comma(int64(len(p.Selection))) + " selected cells"
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	id := generateJobID()
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(id, jobstore.JobStatusFailed, "job queue is full; try again later")
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// List returns the jobs of a dataset, newest first.
func (jm *JobManager) List(datasetID string) ([]*jobstore.Job, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Levels returns the finished levels of a job.
func (jm *JobManager) Levels(id string) ([]jobstore.LevelRecord, error) {
	return jm.store.ListLevels(id)
}

// Delete deletes a job and its level records.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
