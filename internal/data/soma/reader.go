// Package soma reads a 2-D cell embedding from a TileDB-SOMA experiment.
//
// Only the obsm matrices are read: ms/<measurement>/obsm/<name>, a sparse
// array indexed by (cell soma_joinid, component).
package soma

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/seal-mosaic/server/internal/embedding"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
)

// DefaultMeasurement is the measurement holding obsm when none is named.
const DefaultMeasurement = "RNA"

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// ObsmURI returns the array URI of an obsm matrix. name may be given as
// "X_umap" or "RNA/X_umap".
func ObsmURI(experimentURI, name string) (string, error) {
	measurement, matrix := DefaultMeasurement, name
	if i := strings.IndexByte(name, '/'); i >= 0 {
		measurement, matrix = name[:i], name[i+1:]
	}
	if matrix == "" || measurement == "" {
		return "", fmt.Errorf("invalid obsm name %q", name)
	}
	return experimentURI + "/ms/" + measurement + "/obsm/" + matrix, nil
}

// embeddingFromEntries assembles (cell, component, value) entries of an obsm
// matrix into a table of the first two components. Cells lacking either
// component are dropped.
func embeddingFromEntries(cells, comps []int64, vals []float64) (*embedding.Table, error) {
	if len(cells) != len(comps) || len(cells) != len(vals) {
		return nil, fmt.Errorf("obsm entries have mismatched lengths")
	}
	type xy struct {
		x, y       float64
		hasX, hasY bool
	}
	byCell := make(map[int64]*xy, len(cells)/2)
	var order []int64
	for i, cell := range cells {
		p := byCell[cell]
		if p == nil {
			p = &xy{}
			byCell[cell] = p
			order = append(order, cell)
		}
		v := vals[i]
		if math.IsNaN(v) {
			continue
		}
		switch comps[i] {
		case 0:
			p.x, p.hasX = v, true
		case 1:
			p.y, p.hasY = v, true
		}
	}

	rows := make([]embedding.Row, 0, len(order))
	for _, cell := range order {
		p := byCell[cell]
		if p.hasX && p.hasY {
			rows = append(rows, embedding.Row{CellID: cell, X: p.x, Y: p.y})
		}
	}
	return embedding.FromRows(rows)
}
