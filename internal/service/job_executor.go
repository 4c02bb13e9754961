package service

import (
	"context"
	"fmt"
	"log"
	"path"

	"github.com/seal-mosaic/server/internal/jobstore"
	"github.com/seal-mosaic/server/internal/mosaic"
)

// JobExecutor runs queued build jobs.
type JobExecutor struct {
	registry interface {
		Get(datasetID string) *MosaicService
	}
}

// NewJobExecutor creates a job executor that resolves datasets through registry.
func NewJobExecutor(registry interface{ Get(datasetID string) *MosaicService }) *JobExecutor {
	return &JobExecutor{registry: registry}
}

// Execute builds the mosaic of a job (called by a JobManager worker). Output
// goes to the dataset's job directory and, when publishing to a bucket,
// under <dataset>/<job> there.
func (e *JobExecutor) Execute(ctx context.Context, job *jobstore.Job, onLevel func(st mosaic.LevelStats, levels int)) (*jobstore.Outcome, error) {
	svc := e.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return nil, fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}
	if err := svc.Load(ctx); err != nil {
		return nil, err
	}

	out, err := svc.Build(ctx, BuildRequest{
		Selection:     job.Params.Selection,
		SelectionPath: job.Params.SelectionPath,
		Seed:          job.Params.Seed,
		Mode:          job.Params.Mode,
		Preview:       job.Params.Preview,
		OutputDir:     svc.JobOutputDir(job.ID),
		PublishPrefix: path.Join(job.Params.DatasetID, job.ID),
		Progress:      onLevel,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Unknown) > 0 {
		log.Printf("[JobExecutor] job %s: %d selected cells are not in the patch index", job.ID, len(out.Unknown))
	}

	levels := out.Record.Levels
	if out.Result != nil {
		levels = len(out.Result.Levels)
	}
	return &jobstore.Outcome{
		OutputDir: out.OutputDir,
		Levels:    levels,
		CellCount: out.CellCount,
		Cached:    out.Cached,
	}, nil
}
