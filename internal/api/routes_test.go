package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seal-mosaic/server/internal/cache"
	"github.com/seal-mosaic/server/internal/config"
	"github.com/seal-mosaic/server/internal/data/zarr"
	"github.com/seal-mosaic/server/internal/jobstore"
	"github.com/seal-mosaic/server/internal/mosaic"
	"github.com/seal-mosaic/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server  *httptest.Server
	cache   *cache.Manager
	jobs    *JobManager
	service *service.MosaicService
}

// writeTestDataset creates three 2x2 cells on an 8x8 base image. Without a
// cell_ids array the dense index is the cell ID.
func writeTestDataset(t *testing.T) config.DatasetConfig {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	ds := config.DatasetConfig{
		MasksPath:     filepath.Join(dir, "masks.zarr"),
		ImagesPath:    filepath.Join(dir, "images.zarr"),
		EmbeddingPath: filepath.Join(dir, "embedding.csv"),
		IDColumn:      "CellID",
		BaseShape:     []int{8, 8},
	}

	masks, err := zarr.CreateArray(ds.MasksPath, zarr.ArraySpec{
		Shape: []int{3, 2, 2}, ChunkShape: []int{3, 2, 2}, DataType: "uint8",
	}, zarr.Options{})
	if err != nil {
		t.Fatalf("Failed to create masks: %v", err)
	}
	if err := masks.WriteRegion(ctx, []int{0, 0, 0}, []int{3, 2, 2}, bytes.Repeat([]byte{1}, 12)); err != nil {
		t.Fatalf("Failed to write masks: %v", err)
	}

	images, err := zarr.CreateArray(ds.ImagesPath, zarr.ArraySpec{
		Shape: []int{1, 3, 2, 2}, ChunkShape: []int{1, 3, 2, 2}, DataType: "uint16",
	}, zarr.Options{})
	if err != nil {
		t.Fatalf("Failed to create images: %v", err)
	}
	pixels := make([]uint16, 12)
	for i := range pixels {
		pixels[i] = uint16(1000 + i)
	}
	if err := images.WriteRegion(ctx, []int{0, 0, 0, 0}, []int{1, 3, 2, 2}, zarr.AsBytes(pixels)); err != nil {
		t.Fatalf("Failed to write images: %v", err)
	}

	csv := "CellID,UMAP_X,UMAP_Y\n0,1,1\n1,6,2\n2,3,6\n"
	if err := os.WriteFile(ds.EmbeddingPath, []byte(csv), 0o644); err != nil {
		t.Fatalf("Failed to write embedding: %v", err)
	}
	return ds
}

// setupTestServer initializes all components and returns a test server.
// A nil build runs real builds.
func setupTestServer(t *testing.T, build BuildFunc) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{ChunkEntries: 16, ResultSizeMB: 4})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	svc := service.NewMosaicService(service.MosaicServiceConfig{
		DatasetID: "default",
		Dataset:   writeTestDataset(t),
		Pyramid:   config.PyramidConfig{DownscaleFactor: 2, TileSize: 4, MaxTopSize: 4},
		Placement: config.PlacementConfig{Mode: "nonocclusive", Workers: 1},
		Output: config.OutputConfig{
			Dir:       filepath.Join(t.TempDir(), "out"),
			LabelName: "labels.ome.zarr",
			ImageName: "image.ome.zarr",
		},
		Cache: cacheManager,
	})

	registry := NewDatasetRegistry("default", []string{"default"})
	registry.Register("default", svc)

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	if build == nil {
		build = service.NewJobExecutor(registry).Execute
	}
	jm.Build = build
	jm.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
	})

	return &testServer{
		server:  httptest.NewServer(router),
		cache:   cacheManager,
		jobs:    jm,
		service: svc,
	}
}

func (ts *testServer) close() {
	ts.server.Close()
	ts.jobs.Stop()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// decodeJSON reads the response body into a generic map.
func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse JSON response %q: %v", body, err)
	}
	return result
}

func (ts *testServer) submit(t *testing.T, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/d/default/api/mosaic/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return resp, nil
	}
	return resp, decodeJSON(t, resp)
}

func (ts *testServer) status(t *testing.T, jobID string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(ts.server.URL + "/d/default/api/mosaic/jobs/" + jobID)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)
	return decodeJSON(t, resp)
}

// waitForStatus polls a job until its status is one of want.
func (ts *testServer) waitForStatus(t *testing.T, jobID string, want ...string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		st := ts.status(t, jobID)
		for _, w := range want {
			if st["status"] == w {
				return st
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job %s did not reach %v, last status %v (error %v)", jobID, want, st["status"], st["error"])
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

// TestDatasetsEndpoint tests the global datasets listing
func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/datasets")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	result := decodeJSON(t, resp)
	if result["default"] != "default" {
		t.Errorf("Expected default dataset 'default', got %v", result["default"])
	}
	datasets, ok := result["datasets"].([]interface{})
	if !ok || len(datasets) != 1 {
		t.Errorf("Expected 1 dataset, got %v", result["datasets"])
	}
}

// TestMetadataEndpoint tests the dataset metadata endpoint
func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/d/default/api/metadata")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	result := decodeJSON(t, resp)
	for _, field := range []string{"id", "cells", "patch_shape", "channels", "levels"} {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
	if result["cells"] != float64(3) {
		t.Errorf("Expected 3 cells, got %v", result["cells"])
	}
	if levels, ok := result["levels"].([]interface{}); !ok || len(levels) != 2 {
		t.Errorf("Expected 2 levels, got %v", result["levels"])
	}
}

// TestUnknownDataset tests that unknown datasets are rejected
func TestUnknownDataset(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/d/missing/api/metadata")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusNotFound)
}

// TestJobLifecycle submits a selection build and follows it to completion
func TestJobLifecycle(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	resp, submitted := ts.submit(t, `{"selection": [[0, "1"], 2, 2], "seed": 9}`)
	assertStatusCode(t, resp, http.StatusAccepted)
	jobID, _ := submitted["job_id"].(string)
	if jobID == "" {
		t.Fatalf("Expected job_id in response, got %v", submitted)
	}

	st := ts.waitForStatus(t, jobID, "completed", "failed")
	if st["status"] != "completed" {
		t.Fatalf("Expected completed job, got %v: %v", st["status"], st["error"])
	}
	if st["cells"] != float64(3) {
		t.Errorf("Expected 3 selected cells, got %v", st["cells"])
	}
	levels, ok := st["levels"].([]interface{})
	if !ok || len(levels) != 2 {
		t.Fatalf("Expected 2 level records, got %v", st["levels"])
	}
	outDir, _ := st["output_dir"].(string)
	if _, err := os.Stat(filepath.Join(outDir, "mosaic.json")); err != nil {
		t.Errorf("Expected published summary in %s: %v", outDir, err)
	}

	listResp, err := http.Get(ts.server.URL + "/d/default/api/mosaic/jobs")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer listResp.Body.Close()
	assertStatusCode(t, listResp, http.StatusOK)
	list := decodeJSON(t, listResp)
	if jobs, ok := list["jobs"].([]interface{}); !ok || len(jobs) != 1 {
		t.Errorf("Expected 1 job in list, got %v", list["jobs"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/d/default/api/mosaic/jobs/"+jobID+"?purge=true", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	delResp.Body.Close()
	assertStatusCode(t, delResp, http.StatusOK)
	if ts.jobs.Get(jobID) != nil {
		t.Errorf("Expected job %s to be deleted", jobID)
	}
}

// TestCancelRunningAndQueuedJobs checks both cancellation paths
func TestCancelRunningAndQueuedJobs(t *testing.T) {
	started := make(chan string, 2)
	ts := setupTestServer(t, func(ctx context.Context, job *jobstore.Job, _ func(mosaic.LevelStats, int)) (*jobstore.Outcome, error) {
		started <- job.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer ts.close()

	_, first := ts.submit(t, `{}`)
	_, second := ts.submit(t, `{"mode": "grid"}`)
	firstID, _ := first["job_id"].(string)
	secondID, _ := second["job_id"].(string)

	select {
	case id := <-started:
		if id != firstID {
			t.Fatalf("Expected %s to start first, got %s", firstID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not start")
	}

	cancel := func(id string) {
		req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/d/default/api/mosaic/jobs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)
		if result := decodeJSON(t, resp); result["cancelled"] != true {
			t.Errorf("Expected job %s to be cancelled, got %v", id, result)
		}
	}
	cancel(secondID)
	cancel(firstID)

	ts.waitForStatus(t, firstID, "cancelled")
	st := ts.waitForStatus(t, secondID, "cancelled")
	if st["started_at"] != nil {
		t.Errorf("Expected queued job never to start, got started_at %v", st["started_at"])
	}
	select {
	case id := <-started:
		t.Errorf("Cancelled job %s was executed", id)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestCORSHeaders tests that CORS headers are set for allowed origins
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	req, _ := http.NewRequest(http.MethodOptions, ts.server.URL+"/d/default/api/mosaic/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected Access-Control-Allow-Origin 'http://localhost:3000', got %q", got)
	}
}
