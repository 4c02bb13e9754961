package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seal-mosaic/server/internal/jobstore"
	"github.com/seal-mosaic/server/internal/mosaic"
	"github.com/seal-mosaic/server/internal/pyramid"
	"github.com/seal-mosaic/server/internal/selection"
	"github.com/seal-mosaic/server/internal/service"
)

// maxSubmitBytes bounds a job submission body; selections can be large.
const maxSubmitBytes = 64 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", datasetMetadataHandler)

			r.Route("/mosaic/jobs", func(r chi.Router) {
				r.Post("/", jobSubmitHandler(cfg.JobManager))
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the mosaic service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.MosaicService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.MosaicService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
		})
	}
}

func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	md, err := svc.Describe(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pyramid.ErrInvalidGeometry) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, "failed to load dataset: "+err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// Mosaic job handlers

type jobSubmitRequest struct {
	// Selection is a cell ID, a list of IDs or nested lists of IDs. Absent
	// or null builds every cell.
	Selection     json.RawMessage `json:"selection"`
	SelectionPath string          `json:"selection_path"`
	Seed          uint64          `json:"seed"`
	Mode          string          `json:"mode"`
	Preview       bool            `json:"preview"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		switch req.Mode {
		case "", mosaic.ModeNonOcclusive, mosaic.ModeGrid:
		default:
			http.Error(w, "mode must be nonocclusive or grid", http.StatusBadRequest)
			return
		}

		ids, err := selection.ParseIDs(req.Selection)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw := bytes.TrimSpace(req.Selection)
		if len(ids) == 0 && len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			http.Error(w, "selection is empty", http.StatusBadRequest)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		job, err := jm.Submit(jobstore.JobParams{
			DatasetID:     datasetID,
			Selection:     selection.Normalize(ids),
			SelectionPath: req.SelectionPath,
			Seed:          req.Seed,
			Mode:          req.Mode,
			Preview:       req.Preview,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// datasetJob loads a job and checks that it belongs to the URL's dataset.
func datasetJob(w http.ResponseWriter, r *http.Request, jm *JobManager) *jobstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}

	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}

	// Check dataset matches
	datasetID := chi.URLParam(r, "dataset")
	if job.Params.DatasetID != datasetID {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(w, r, jm)
		if job == nil {
			return
		}

		levels, err := jm.Levels(job.ID)
		if err != nil {
			http.Error(w, "failed to load levels: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if levels == nil {
			levels = []jobstore.LevelRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"cells":       len(job.Params.Selection),
			"seed":        job.Params.Seed,
			"mode":        job.Params.Mode,
			"output_dir":  job.OutputDir,
			"levels":      levels,
			"error":       job.Error,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobs, err := jm.List(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		items := make([]map[string]interface{}, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, map[string]interface{}{
				"job_id":     job.ID,
				"status":     job.Status,
				"created_at": job.CreatedAt,
				"progress":   job.Progress,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": items})
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(w, r, jm)
		if job == nil {
			return
		}

		if r.URL.Query().Get("purge") == "true" {
			if !job.Status.Terminal() {
				http.Error(w, "job is still "+string(job.Status), http.StatusConflict)
				return
			}
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": job.ID, "deleted": true})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}
