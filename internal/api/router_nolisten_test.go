package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newNoListenRouter serves the dataset of ts through a router that is
// called directly, with jm as its job manager.
func newNoListenRouter(ts *testServer, jm *JobManager) http.Handler {
	registry := NewDatasetRegistry("default", []string{"default"})
	registry.Register("default", ts.service)
	return NewRouter(RouterConfig{Registry: registry, JobManager: jm})
}

func TestSubmitValidation_NoListen(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()
	router := newNoListenRouter(ts, ts.jobs)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"selection": [1,`, http.StatusBadRequest},
		{"fractional id", `{"selection": [1.5]}`, http.StatusBadRequest},
		{"non numeric id", `{"selection": ["abc"]}`, http.StatusBadRequest},
		{"empty list", `{"selection": [[]]}`, http.StatusBadRequest},
		{"bad mode", `{"mode": "stack"}`, http.StatusBadRequest},
		{"single id", `{"selection": 2}`, http.StatusAccepted},
		{"null selection", `{"selection": null}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/d/default/api/mosaic/jobs", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("Expected status %d, got %d (%s)", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestJobRoutesWithoutManager_NoListen(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()
	router := newNoListenRouter(ts, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/d/default/api/mosaic/jobs"},
		{http.MethodGet, "/d/default/api/mosaic/jobs"},
		{http.MethodGet, "/d/default/api/mosaic/jobs/abc"},
		{http.MethodDelete, "/d/default/api/mosaic/jobs/abc"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("%s %s: expected status %d, got %d", tc.method, tc.path, http.StatusNotImplemented, rr.Code)
		}
	}
}

func TestJobOfOtherDataset_NoListen(t *testing.T) {
	ts := setupTestServer(t, nil)
	defer ts.close()

	registry := NewDatasetRegistry("default", []string{"default", "other"})
	registry.Register("default", ts.service)
	registry.Register("other", ts.service)
	router := NewRouter(RouterConfig{Registry: registry, JobManager: ts.jobs})

	req := httptest.NewRequest(http.MethodPost, "/d/default/api/mosaic/jobs", strings.NewReader(`{"selection": [1]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, rr.Code)
	}
	jobs, err := ts.jobs.List("default")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Expected one job, got %v (%v)", jobs, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/d/other/api/mosaic/jobs/"+jobs[0].ID, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}
