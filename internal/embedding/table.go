// Package embedding loads per-cell 2-D embedding coordinates and maps them
// into the pixel space of a mosaic's base level.
package embedding

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrColumnNotFound is returned when no usable coordinate or ID column exists.
var ErrColumnNotFound = errors.New("embedding column not found")

// FallbackColumns are tried, in order, when the configured coordinate
// columns are missing.
var FallbackColumns = [][2]string{
	{"UMAP_X", "UMAP_Y"},
	{"emb1", "emb2"},
}

// Row is one cell's coordinate.
type Row struct {
	CellID int64
	X, Y   float64
}

// Table holds embedding rows keyed by cell ID.
type Table struct {
	ids  []int64
	xs   []float64
	ys   []float64
	byID map[int64]int

	// Source column names.
	IDColumn, XColumn, YColumn string
}

// FromRows builds a table from rows. Duplicate cell IDs are rejected.
func FromRows(rows []Row) (*Table, error) {
	t := &Table{
		ids:      make([]int64, len(rows)),
		xs:       make([]float64, len(rows)),
		ys:       make([]float64, len(rows)),
		byID:     make(map[int64]int, len(rows)),
		IDColumn: "CellID",
		XColumn:  "x",
		YColumn:  "y",
	}
	for i, r := range rows {
		if _, dup := t.byID[r.CellID]; dup {
			return nil, fmt.Errorf("duplicate cell id %d in embedding", r.CellID)
		}
		t.ids[i], t.xs[i], t.ys[i] = r.CellID, r.X, r.Y
		t.byID[r.CellID] = i
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.ids) }

// Row returns row i.
func (t *Table) Row(i int) Row {
	return Row{CellID: t.ids[i], X: t.xs[i], Y: t.ys[i]}
}

// Rows returns a copy of all rows in table order.
func (t *Table) Rows() []Row {
	out := make([]Row, len(t.ids))
	for i := range t.ids {
		out[i] = t.Row(i)
	}
	return out
}

// Coordinate returns the coordinate of a cell.
func (t *Table) Coordinate(cellID int64) (x, y float64, ok bool) {
	i, ok := t.byID[cellID]
	if !ok {
		return 0, 0, false
	}
	return t.xs[i], t.ys[i], true
}

// Bounds returns the min and max of each axis.
func (t *Table) Bounds() (minX, maxX, minY, maxY float64) {
	if len(t.ids) == 0 {
		return 0, 0, 0, 0
	}
	return floats.Min(t.xs), floats.Max(t.xs), floats.Min(t.ys), floats.Max(t.ys)
}

// Normalize shifts each axis so its minimum is 0, divides by the resulting
// maximum and scales x by width and y by height. An axis with no spread maps
// to 0.
func (t *Table) Normalize(width, height int) {
	normalizeAxis(t.xs, float64(width))
	normalizeAxis(t.ys, float64(height))
}

func normalizeAxis(v []float64, extent float64) {
	if len(v) == 0 {
		return
	}
	floats.AddConst(-floats.Min(v), v)
	m := floats.Max(v)
	if m == 0 {
		return
	}
	for i := range v {
		v[i] = v[i] / m * extent
	}
}

// Subset returns a table containing only the given cell IDs, in table order.
// IDs the table does not hold are ignored.
func (t *Table) Subset(ids []int64) *Table {
	want := make([]int, 0, len(ids))
	for _, id := range ids {
		if i, ok := t.byID[id]; ok {
			want = append(want, i)
		}
	}
	sort.Ints(want)

	out := &Table{
		ids:      make([]int64, 0, len(want)),
		xs:       make([]float64, 0, len(want)),
		ys:       make([]float64, 0, len(want)),
		byID:     make(map[int64]int, len(want)),
		IDColumn: t.IDColumn,
		XColumn:  t.XColumn,
		YColumn:  t.YColumn,
	}
	prev := -1
	for _, i := range want {
		if i == prev {
			continue
		}
		prev = i
		out.byID[t.ids[i]] = len(out.ids)
		out.ids = append(out.ids, t.ids[i])
		out.xs = append(out.xs, t.xs[i])
		out.ys = append(out.ys, t.ys[i])
	}
	return out
}
