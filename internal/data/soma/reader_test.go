package soma

import (
	"math"
	"path/filepath"
	"testing"
)

func TestResolveExperimentURI(t *testing.T) {
	got, err := ResolveExperimentURI("/data/tonsil/soma")
	if err != nil || got != filepath.Join("/data/tonsil/soma", "experiment.soma") {
		t.Fatalf("unexpected uri %q (%v)", got, err)
	}
	got, err = ResolveExperimentURI(" /data/x/experiment.soma ")
	if err != nil || got != "/data/x/experiment.soma" {
		t.Fatalf("unexpected uri %q (%v)", got, err)
	}
	if _, err := ResolveExperimentURI("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestObsmURI(t *testing.T) {
	got, err := ObsmURI("/e.soma", "X_umap")
	if err != nil || got != "/e.soma/ms/RNA/obsm/X_umap" {
		t.Fatalf("unexpected uri %q (%v)", got, err)
	}
	got, err = ObsmURI("/e.soma", "protein/X_tsne")
	if err != nil || got != "/e.soma/ms/protein/obsm/X_tsne" {
		t.Fatalf("unexpected uri %q (%v)", got, err)
	}
	if _, err := ObsmURI("/e.soma", "RNA/"); err == nil {
		t.Fatalf("expected error for empty matrix name")
	}
}

func TestEmbeddingFromEntries(t *testing.T) {
	cells := []int64{5, 5, 9, 2, 2, 9, 7}
	comps := []int64{1, 0, 0, 0, 1, 2, 0}
	vals := []float64{2.5, 1.5, 3, 4, math.NaN(), 8, 1}

	tbl, err := embeddingFromEntries(cells, comps, vals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Only cell 5 has both components; 9 has a third component but no y,
	// 2 has a null y and 7 has no y.
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", tbl.Len())
	}
	x, y, ok := tbl.Coordinate(5)
	if !ok || x != 1.5 || y != 2.5 {
		t.Fatalf("unexpected coordinate (%v, %v, %v)", x, y, ok)
	}

	if _, err := embeddingFromEntries(cells, comps[:2], vals); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}
