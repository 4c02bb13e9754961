package mosaic

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/seal-mosaic/server/internal/patches"
)

// cellPoint is an embedding coordinate in base pixels, tagged with the dense
// index of its patch.
type cellPoint struct {
	x, y  float64
	dense int
}

func (p cellPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cellPoint)
	if d == 0 {
		return p.x - q.x
	}
	return p.y - q.y
}

func (p cellPoint) Dims() int { return 2 }

func (p cellPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cellPoint)
	dx, dy := p.x-q.x, p.y-q.y
	return dx*dx + dy*dy
}

type cellPoints []cellPoint

func (p cellPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cellPoints) Len() int                              { return len(p) }
func (p cellPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p cellPoints) Pivot(d kdtree.Dim) int {
	pl := cellPlane{points: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

type cellPlane struct {
	points cellPoints
	dim    kdtree.Dim
}

func (p cellPlane) Len() int { return len(p.points) }
func (p cellPlane) Less(i, j int) bool {
	return p.points[i].Compare(p.points[j], p.dim) < 0
}
func (p cellPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p cellPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

// GridPlacer lays cells out on a regular grid of patch-sized slots: each slot
// takes the cell whose coordinate is nearest the slot centre, provided that
// coordinate falls inside the slot. Slots are painted by overwriting, so the
// result is occlusive at the slot boundary only.
type GridPlacer struct {
	Index    patches.Index
	TileSize int
	// BaseWidth and BaseHeight bound slot lookup to the base level extent.
	BaseWidth, BaseHeight int

	tree *kdtree.Tree
}

// NewGridPlacer indexes the coordinates of every cell that has a patch.
func NewGridPlacer(index patches.Index, coords Coordinates, tileSize, baseWidth, baseHeight int) (*GridPlacer, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", tileSize)
	}
	points := make(cellPoints, 0, index.Len())
	for dense := 0; dense < index.Len(); dense++ {
		id, err := index.CellID(dense)
		if err != nil {
			return nil, err
		}
		if x, y, ok := coords.Coordinate(id); ok {
			points = append(points, cellPoint{x: x, y: y, dense: dense})
		}
	}
	g := &GridPlacer{Index: index, TileSize: tileSize, BaseWidth: baseWidth, BaseHeight: baseHeight}
	if len(points) > 0 {
		g.tree = kdtree.New(points, false)
	}
	return g, nil
}

// nearest returns the dense index of the cell nearest (x, y).
func (g *GridPlacer) nearest(x, y float64) (cellPoint, bool) {
	if g.tree == nil {
		return cellPoint{}, false
	}
	c, _ := g.tree.Nearest(cellPoint{x: x, y: y, dense: -1})
	if c == nil {
		return cellPoint{}, false
	}
	return c.(cellPoint), true
}

// PlaceLevel fills buf with the grid layout for one level.
func (g *GridPlacer) PlaceLevel(ctx context.Context, buf *LevelBuffers, scale int) (LevelStats, error) {
	start := time.Now()
	stats := LevelStats{Level: buf.Level, Shape: buf.Shape}
	h, w := g.Index.PatchShape()
	height, width := buf.Shape.Height, buf.Shape.Width

	for ty := 0; ty < height; ty += g.TileSize {
		if err := ctx.Err(); err != nil {
			return stats, &LevelError{Level: buf.Level, Phase: PhasePlacement, Err: err}
		}
		for tx := 0; tx < width; tx += g.TileSize {
			tileH := min(g.TileSize, height-ty)
			tileW := min(g.TileSize, width-tx)
			xSlots := tileW / w
			ySlots := tileH / h

			for i := 0; i < xSlots; i++ {
				for j := 0; j < ySlots; j++ {
					sx0 := tx + int(float64(i)/float64(xSlots)*float64(tileW))
					sx1 := tx + int(float64(i+1)/float64(xSlots)*float64(tileW))
					sy0 := ty + int(float64(j)/float64(ySlots)*float64(tileH))
					sy1 := ty + int(float64(j+1)/float64(ySlots)*float64(tileH))

					bx0, bx1 := float64(sx0*scale), float64(sx1*scale)
					by0, by1 := float64(sy0*scale), float64(sy1*scale)
					if int(bx0) >= g.BaseWidth || int(by0) >= g.BaseHeight {
						continue
					}

					cell, ok := g.nearest((bx0+bx1)/2, (by0+by1)/2)
					if !ok || cell.x < bx0 || cell.x > bx1 || cell.y < by0 || cell.y > by1 {
						stats.Rejected++
						continue
					}
					if err := g.paintSlot(buf, cell.dense, sx0, sy0, h, w); err != nil {
						return stats, &LevelError{Level: buf.Level, Phase: PhasePlacement, Err: err}
					}
					stats.Accepted++
				}
			}
		}
	}
	stats.Elapsed = time.Since(start)
	return stats, nil
}

func (g *GridPlacer) paintSlot(buf *LevelBuffers, dense, x0, y0, h, w int) error {
	id, err := g.Index.CellID(dense)
	if err != nil {
		return err
	}
	mask, err := g.Index.MaskPatch(dense)
	if err != nil {
		return err
	}
	img, err := g.Index.IntensityPatch(dense)
	if err != nil {
		return err
	}
	if len(mask) != h*w || len(img) != buf.Channels*h*w {
		return fmt.Errorf("patch %d has unexpected size", dense)
	}

	stride := buf.Shape.Width
	pixels := buf.Shape.Pixels()
	rw := min(w, buf.Shape.Width-x0)
	rh := min(h, buf.Shape.Height-y0)
	for dy := 0; dy < rh; dy++ {
		row := (y0+dy)*stride + x0
		for dx := 0; dx < rw; dx++ {
			m := mask[dy*w+dx]
			buf.Labels[row+dx] = uint32(m) * uint32(id)
			for c := 0; c < buf.Channels; c++ {
				buf.Intensity[c*pixels+row+dx] = img[c*h*w+dy*w+dx]
			}
		}
	}
	return nil
}
