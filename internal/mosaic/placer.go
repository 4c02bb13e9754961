package mosaic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seal-mosaic/server/internal/patches"
	"github.com/seal-mosaic/server/internal/pyramid"
)

// Coordinates resolves a cell's base-level coordinate by semantic cell ID.
type Coordinates interface {
	Coordinate(cellID int64) (x, y float64, ok bool)
}

// ShuffleOrder returns a permutation of 0..n-1 that depends only on n and seed.
func ShuffleOrder(n int, seed uint64) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// PlacementRegion maps a base-level centre coordinate to the patch rectangle
// at a level with the given scale factor. The top-left corner is truncated
// toward zero and clamped to 0; the far edges are clipped to the level.
func PlacementRegion(x, y float64, scale, patchH, patchW int, level pyramid.Shape) Region {
	fx := x/float64(scale) - float64(patchW/2)
	fy := y/float64(scale) - float64(patchH/2)
	if fx >= float64(level.Width) || fy >= float64(level.Height) {
		return Region{}
	}
	x0 := max(int(fx), 0)
	y0 := max(int(fy), 0)
	x1 := min(x0+patchW, level.Width)
	y1 := min(y0+patchH, level.Height)
	return Region{X0: x0, Y0: y0, W: max(x1-x0, 0), H: max(y1-y0, 0)}
}

// Placer runs the non-occlusive placement pass for one level at a time.
type Placer struct {
	Index       patches.Index
	Coordinates Coordinates
	// Order is the processing order of dense indices, shared by all levels.
	Order []int
	// Workers bounds the parallel intensity fetches (default GOMAXPROCS).
	Workers int
}

type placed struct {
	dense  int
	region Region
	// mask holds the clipped mask rows, region.H rows of region.W values.
	mask []uint8
}

// PlaceLevel fills buf for one level. Cells are tested in Order against the
// occupancy plane; a cell is rejected if any of its mask pixels would land
// on an occupied pixel. Accepted cells add mask to occupancy, mask*cellID to
// the labels and their masked intensity patch to the intensity plane.
func (p *Placer) PlaceLevel(ctx context.Context, buf *LevelBuffers, scale int) (LevelStats, error) {
	start := time.Now()
	stats := LevelStats{Level: buf.Level, Shape: buf.Shape}
	if p.Index.Channels() != buf.Channels {
		return stats, &LevelError{Level: buf.Level, Phase: PhasePlacement,
			Err: fmt.Errorf("patch index has %d channels, buffers have %d", p.Index.Channels(), buf.Channels)}
	}

	accepted, err := p.placeMasks(ctx, buf, scale, &stats)
	if err != nil {
		return stats, &LevelError{Level: buf.Level, Phase: PhasePlacement, Err: err}
	}
	if err := p.paintIntensity(ctx, buf, accepted); err != nil {
		return stats, &LevelError{Level: buf.Level, Phase: PhaseIntensity, Err: err}
	}
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// placeMasks is the sequential sub-phase: each decision depends on every
// earlier acceptance.
func (p *Placer) placeMasks(ctx context.Context, buf *LevelBuffers, scale int, stats *LevelStats) ([]placed, error) {
	h, w := p.Index.PatchShape()
	var accepted []placed

	for i, dense := range p.Order {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cellID, err := p.Index.CellID(dense)
		if err != nil {
			if errors.Is(err, patches.ErrCellNotFound) {
				stats.Missing++
				continue
			}
			return nil, err
		}
		x, y, ok := p.Coordinates.Coordinate(cellID)
		if !ok || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			stats.Missing++
			continue
		}

		region := PlacementRegion(x, y, scale, h, w, buf.Shape)
		if region.Empty() {
			stats.Accepted++
			stats.Empty++
			continue
		}

		mask, err := p.Index.MaskPatch(dense)
		if err != nil {
			if errors.Is(err, patches.ErrCellNotFound) {
				stats.Missing++
				continue
			}
			return nil, err
		}
		if len(mask) != h*w {
			return nil, fmt.Errorf("mask patch %d has %d values, want %d", dense, len(mask), h*w)
		}

		if collides(buf, mask, w, region) {
			stats.Rejected++
			continue
		}
		paintMask(buf, mask, w, region, uint32(cellID))
		accepted = append(accepted, placed{dense: dense, region: region, mask: clipMask(mask, w, region)})
		stats.Accepted++
	}
	return accepted, nil
}

func collides(buf *LevelBuffers, mask []uint8, patchW int, r Region) bool {
	stride := buf.Shape.Width
	for dy := 0; dy < r.H; dy++ {
		occ := buf.Occupancy[(r.Y0+dy)*stride+r.X0:][:r.W]
		m := mask[dy*patchW:][:r.W]
		for dx, v := range m {
			if int(occ[dx])+int(v) > 1 {
				return true
			}
		}
	}
	return false
}

func paintMask(buf *LevelBuffers, mask []uint8, patchW int, r Region, id uint32) {
	stride := buf.Shape.Width
	for dy := 0; dy < r.H; dy++ {
		row := (r.Y0+dy)*stride + r.X0
		occ := buf.Occupancy[row:][:r.W]
		lab := buf.Labels[row:][:r.W]
		m := mask[dy*patchW:][:r.W]
		for dx, v := range m {
			if v == 0 {
				continue
			}
			occ[dx] += v
			lab[dx] += uint32(v) * id
		}
	}
}

func clipMask(mask []uint8, patchW int, r Region) []uint8 {
	out := make([]uint8, 0, r.H*r.W)
	for dy := 0; dy < r.H; dy++ {
		out = append(out, mask[dy*patchW:][:r.W]...)
	}
	return out
}

// paintIntensity is the parallel sub-phase. Accepted masks never share a
// nonzero pixel, so each task writes a disjoint pixel set and no locking is
// needed.
func (p *Placer) paintIntensity(ctx context.Context, buf *LevelBuffers, accepted []placed) error {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	h, w := p.Index.PatchShape()
	pixels := buf.Shape.Pixels()
	stride := buf.Shape.Width

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, a := range accepted {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := p.Index.IntensityPatch(a.dense)
			if err != nil {
				return err
			}
			if len(img) != buf.Channels*h*w {
				return fmt.Errorf("intensity patch %d has %d values, want %d", a.dense, len(img), buf.Channels*h*w)
			}

			r := a.region
			for c := 0; c < buf.Channels; c++ {
				plane := buf.Intensity[c*pixels:][:pixels]
				src := img[c*h*w:][:h*w]
				for dy := 0; dy < r.H; dy++ {
					dst := plane[(r.Y0+dy)*stride+r.X0:][:r.W]
					m := a.mask[dy*r.W:][:r.W]
					s := src[dy*w:][:r.W]
					for dx, v := range m {
						if v != 0 {
							dst[dx] += uint16(v) * s[dx]
						}
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
