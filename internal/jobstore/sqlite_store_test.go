package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seal-mosaic/server/internal/mosaic"
	"github.com/seal-mosaic/server/internal/pyramid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id, dataset string) *Job {
	return &Job{
		ID:        id,
		DatasetID: dataset,
		Status:    JobStatusQueued,
		Params:    JobParams{DatasetID: dataset, Selection: []int64{1, 2, 3}, Seed: 7, Mode: "grid"},
		CreatedAt: time.Now().Truncate(time.Second),
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1", "tonsil")
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, job.Params, got.Params)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	require.NoError(t, s.UpdateJobStarted("job-1"))
	require.NoError(t, s.UpdateJobProgress("job-1", JobProgress{Phase: "placement", Level: 1, Levels: 3}))
	require.NoError(t, s.SetOutputDir("job-1", "/out/tonsil"))

	got, err = s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, JobProgress{Phase: "placement", Level: 1, Levels: 3}, got.Progress)
	assert.Equal(t, "/out/tonsil", got.OutputDir)

	require.NoError(t, s.UpdateJobStatus("job-1", JobStatusFailed, "level 1 write: disk full"))
	got, err = s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "level 1 write: disk full", got.Error)
	assert.NotNil(t, got.FinishedAt)

	missing, err := s.GetJob("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_Levels(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(newJob("job-1", "d")))

	for z := 2; z >= 0; z-- {
		require.NoError(t, s.InsertLevel("job-1", mosaic.LevelStats{
			Level:    z,
			Shape:    pyramid.Shape{Height: 100 >> z, Width: 80 >> z},
			Accepted: 10 - z,
			Rejected: z,
			Elapsed:  1500 * time.Millisecond,
		}))
	}
	// Replacing a level keeps one row.
	require.NoError(t, s.InsertLevel("job-1", mosaic.LevelStats{Level: 0, Shape: pyramid.Shape{Height: 100, Width: 80}, Accepted: 9}))

	levels, err := s.ListLevels("job-1")
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, LevelRecord{Level: 0, Height: 100, Width: 80, Accepted: 9}, levels[0])
	assert.Equal(t, LevelRecord{Level: 2, Height: 25, Width: 20, Accepted: 8, Rejected: 2, ElapsedMS: 1500}, levels[2])

	require.NoError(t, s.DeleteJob("job-1"))
	levels, err = s.ListLevels("job-1")
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestStore_Recovery(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(newJob("a", "d1")))
	require.NoError(t, s.CreateJob(newJob("b", "d1")))
	require.NoError(t, s.CreateJob(newJob("c", "d2")))
	require.NoError(t, s.UpdateJobStarted("b"))

	require.NoError(t, s.MarkRunningAsFailed("server restarted"))
	b, err := s.GetJob("b")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, b.Status)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].ID)
	assert.Equal(t, "c", queued[1].ID)

	d1, err := s.ListJobsByDataset("d1")
	require.NoError(t, err)
	assert.Len(t, d1, 2)

	// Nothing finished before the cutoff yet.
	n, err := s.DeleteExpiredJobs(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = s.DeleteExpiredJobs(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}
