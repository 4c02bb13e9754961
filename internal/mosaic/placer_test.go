package mosaic

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seal-mosaic/server/internal/embedding"
	"github.com/seal-mosaic/server/internal/patches"
	"github.com/seal-mosaic/server/internal/pyramid"
)

func ones(n int) []uint8 {
	m := make([]uint8, n)
	for i := range m {
		m[i] = 1
	}
	return m
}

type testCell struct {
	id   int64
	x, y float64
	mask []uint8
	img  []uint16
}

func buildInputs(t *testing.T, h, w, channels int, cells []testCell) (*patches.Memory, *embedding.Table) {
	t.Helper()
	idx := patches.NewMemory(h, w, channels)
	rows := make([]embedding.Row, 0, len(cells))
	for _, c := range cells {
		_, err := idx.Add(c.id, c.mask, c.img)
		require.NoError(t, err)
		rows = append(rows, embedding.Row{CellID: c.id, X: c.x, Y: c.y})
	}
	tbl, err := embedding.FromRows(rows)
	require.NoError(t, err)
	return idx, tbl
}

func at(buf *LevelBuffers, x, y int) uint32 {
	return buf.Labels[y*buf.Shape.Width+x]
}

func TestShuffleOrder(t *testing.T) {
	a := ShuffleOrder(100, 0)
	b := ShuffleOrder(100, 0)
	assert.Equal(t, a, b)

	sorted := append([]int(nil), a...)
	sort.Ints(sorted)
	for i, v := range sorted {
		require.Equal(t, i, v)
	}
	assert.NotEqual(t, a, ShuffleOrder(100, 1))
	assert.Empty(t, ShuffleOrder(0, 0))
}

func TestPlacementRegion(t *testing.T) {
	level := pyramid.Shape{Height: 16, Width: 16}

	assert.Equal(t, Region{X0: 9, Y0: 9, W: 3, H: 3}, PlacementRegion(10, 10, 1, 3, 3, level))
	// Scaled: (20,20) at scale 2 is (10,10).
	assert.Equal(t, Region{X0: 9, Y0: 9, W: 3, H: 3}, PlacementRegion(20, 20, 2, 3, 3, level))
	// Negative corners clamp to 0 on each axis independently.
	assert.Equal(t, Region{X0: 0, Y0: 4, W: 3, H: 3}, PlacementRegion(0.5, 5.9, 1, 3, 3, level))
	// Far edges clip.
	assert.Equal(t, Region{X0: 14, Y0: 0, W: 2, H: 3}, PlacementRegion(15, 0, 1, 3, 3, level))
	// Entirely outside gives an empty region.
	assert.True(t, PlacementRegion(100, 5, 1, 3, 3, level).Empty())
	// Rectangular patches offset by half width on x and half height on y.
	assert.Equal(t, Region{X0: 8, Y0: 9, W: 4, H: 2}, PlacementRegion(10, 10, 1, 2, 4, level))
}

func TestPlaceLevel_ThreeCellScenario(t *testing.T) {
	idx, tbl := buildInputs(t, 3, 3, 1, []testCell{
		{id: 11, x: 1, y: 1, mask: ones(9)},
		{id: 22, x: 1, y: 1, mask: ones(9)},
		{id: 33, x: 10, y: 10, mask: ones(9)},
	})
	p := &Placer{Index: idx, Coordinates: tbl, Order: []int{0, 1, 2}}
	buf := NewLevelBuffers(0, pyramid.Shape{Height: 16, Width: 16}, 1)

	stats, err := p.PlaceLevel(context.Background(), buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 0, stats.Missing)

	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			var want uint32
			switch {
			case x <= 2 && y <= 2:
				want = 11
			case x >= 9 && x <= 11 && y >= 9 && y <= 11:
				want = 33
			}
			require.Equal(t, want, at(buf, x, y), "pixel (%d,%d)", x, y)
		}
	}
}

func TestPlaceLevel_NoOverlapInvariant(t *testing.T) {
	const h, w = 5, 5
	rng := rand.New(rand.NewPCG(7, 7))
	var cells []testCell
	for i := 0; i < 300; i++ {
		mask := make([]uint8, h*w)
		for j := range mask {
			if rng.IntN(3) > 0 {
				mask[j] = 1
			}
		}
		cells = append(cells, testCell{
			id:   int64(i + 1),
			x:    rng.Float64() * 64,
			y:    rng.Float64() * 48,
			mask: mask,
		})
	}
	idx, tbl := buildInputs(t, h, w, 1, cells)
	p := &Placer{Index: idx, Coordinates: tbl, Order: ShuffleOrder(idx.Len(), 0), Workers: 4}

	for z, scale := range []int{1, 2, 4} {
		shape := pyramid.Shape{Height: (48 + scale - 1) / scale, Width: (64 + scale - 1) / scale}
		buf := NewLevelBuffers(z, shape, 1)
		stats, err := p.PlaceLevel(context.Background(), buf, scale)
		require.NoError(t, err)
		assert.Equal(t, len(cells), stats.Accepted+stats.Rejected)
		assert.Greater(t, stats.Rejected, 0)

		for i, occ := range buf.Occupancy {
			require.LessOrEqual(t, occ, uint8(1))
			require.Equal(t, occ == 0, buf.Labels[i] == 0)
		}

		// Every painted label reproduces exactly its own mask footprint.
		seen := map[uint32]bool{}
		for _, v := range buf.Labels {
			if v != 0 {
				seen[v] = true
			}
		}
		for id := range seen {
			c := cells[id-1]
			r := PlacementRegion(c.x, c.y, scale, h, w, shape)
			for dy := 0; dy < r.H; dy++ {
				for dx := 0; dx < r.W; dx++ {
					got := at(buf, r.X0+dx, r.Y0+dy) == id
					require.Equal(t, c.mask[dy*w+dx] == 1, got)
				}
			}
		}
	}
}

func TestPlaceLevel_IntensityIsMaskedAndAccumulated(t *testing.T) {
	// Bounding boxes overlap but masks do not: A covers the left column of
	// its patch, B the right column of a patch shifted one pixel left.
	maskA := []uint8{1, 0, 0, 1, 0, 0, 1, 0, 0}
	maskB := []uint8{0, 0, 1, 0, 0, 1, 0, 0, 1}
	imgA := []uint16{5, 5, 5, 5, 5, 5, 5, 5, 5, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	imgB := []uint16{7, 7, 7, 7, 7, 7, 7, 7, 7, 200, 200, 200, 200, 200, 200, 200, 200, 200}
	idx, tbl := buildInputs(t, 3, 3, 2, []testCell{
		{id: 1, x: 2, y: 1, mask: maskA, img: imgA},
		{id: 2, x: 1, y: 1, mask: maskB, img: imgB},
	})

	// B first, then A: A's zero mask pixels must not erase B's labels.
	p := &Placer{Index: idx, Coordinates: tbl, Order: []int{1, 0}}
	buf := NewLevelBuffers(0, pyramid.Shape{Height: 3, Width: 4}, 2)
	stats, err := p.PlaceLevel(context.Background(), buf, 1)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Accepted)

	// B occupies column 2 (region x0=0), A occupies column 1 (region x0=1).
	for y := 0; y < 3; y++ {
		assert.Equal(t, uint32(0), at(buf, 0, y))
		assert.Equal(t, uint32(1), at(buf, 1, y))
		assert.Equal(t, uint32(2), at(buf, 2, y))
		assert.Equal(t, uint32(0), at(buf, 3, y))
	}
	pixels := buf.Shape.Pixels()
	assert.Equal(t, []uint16{0, 5, 7, 0}, buf.Intensity[0:4])
	assert.Equal(t, []uint16{0, 100, 200, 0}, buf.Intensity[pixels:pixels+4])
}

func TestPlaceLevel_ClampAndClip(t *testing.T) {
	idx, tbl := buildInputs(t, 3, 3, 1, []testCell{
		{id: 4, x: -20, y: 6, mask: ones(9)},
		{id: 5, x: 9, y: 9, mask: ones(9)},
		{id: 6, x: 500, y: 500, mask: ones(9)},
	})
	p := &Placer{Index: idx, Coordinates: tbl, Order: []int{0, 1, 2}}
	buf := NewLevelBuffers(0, pyramid.Shape{Height: 10, Width: 10}, 1)

	stats, err := p.PlaceLevel(context.Background(), buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Accepted)
	assert.Equal(t, 1, stats.Empty)
	assert.Len(t, buf.Labels, 100)

	// Clamped to column 0.
	assert.Equal(t, uint32(4), at(buf, 0, 5))
	assert.Equal(t, uint32(4), at(buf, 2, 7))
	assert.Equal(t, uint32(0), at(buf, 3, 5))
	// Clipped at the bottom-right corner: region starts at (8,8).
	assert.Equal(t, uint32(5), at(buf, 8, 8))
	assert.Equal(t, uint32(5), at(buf, 9, 9))
	assert.Equal(t, uint32(0), at(buf, 7, 8))
}

func TestPlaceLevel_MissingCellsAreSkipped(t *testing.T) {
	idx := patches.NewMemory(1, 1, 1)
	_, err := idx.Add(1, []uint8{1}, nil)
	require.NoError(t, err)
	_, err = idx.Add(2, []uint8{1}, nil)
	require.NoError(t, err)
	tbl, err := embedding.FromRows([]embedding.Row{{CellID: 2, X: 0, Y: 0}, {CellID: 99, X: 1, Y: 1}})
	require.NoError(t, err)

	p := &Placer{Index: idx, Coordinates: tbl, Order: []int{0, 1}}
	buf := NewLevelBuffers(0, pyramid.Shape{Height: 2, Width: 2}, 1)
	stats, err := p.PlaceLevel(context.Background(), buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, []uint32{2, 0, 0, 0}, buf.Labels)
}

type failingIndex struct {
	*patches.Memory
	err error
}

func (f failingIndex) IntensityPatch(int) ([]uint16, error) { return nil, f.err }

func TestPlaceLevel_StoreErrorNamesLevelAndPhase(t *testing.T) {
	idx, tbl := buildInputs(t, 1, 1, 1, []testCell{{id: 1, x: 0, y: 0, mask: []uint8{1}}})
	ioErr := errors.New("disk on fire")
	p := &Placer{Index: failingIndex{Memory: idx, err: ioErr}, Coordinates: tbl, Order: []int{0}}

	_, err := p.PlaceLevel(context.Background(), NewLevelBuffers(3, pyramid.Shape{Height: 1, Width: 1}, 1), 1)
	var le *LevelError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 3, le.Level)
	assert.Equal(t, PhaseIntensity, le.Phase)
	assert.True(t, errors.Is(err, ioErr))
}

type countingIndex struct {
	*patches.Memory
	mu    sync.Mutex
	masks map[int]int
}

func (c *countingIndex) MaskPatch(dense int) ([]uint8, error) {
	c.mu.Lock()
	c.masks[dense]++
	c.mu.Unlock()
	return c.Memory.MaskPatch(dense)
}

func TestPlaceLevel_ReadsEachMaskOnce(t *testing.T) {
	idx, tbl := buildInputs(t, 3, 3, 2, []testCell{
		{id: 1, x: 1, y: 1, mask: ones(9), img: make([]uint16, 18)},
		{id: 2, x: 6, y: 6, mask: ones(9), img: make([]uint16, 18)},
		{id: 3, x: 6, y: 6, mask: ones(9), img: make([]uint16, 18)},
	})
	counted := &countingIndex{Memory: idx, masks: map[int]int{}}
	p := &Placer{Index: counted, Coordinates: tbl, Order: []int{0, 1, 2}, Workers: 2}

	stats, err := p.PlaceLevel(context.Background(), NewLevelBuffers(0, pyramid.Shape{Height: 8, Width: 8}, 2), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, counted.masks)
}

func TestPlaceLevel_ClippedIntensityUsesClippedMask(t *testing.T) {
	mask := []uint8{
		1, 0, 1,
		0, 1, 0,
		1, 1, 1,
	}
	img := []uint16{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	// Centre (3,3) puts the corner at (2,2); only the top-left 2x2 is inside.
	idx, tbl := buildInputs(t, 3, 3, 1, []testCell{{id: 5, x: 3, y: 3, mask: mask, img: img}})
	p := &Placer{Index: idx, Coordinates: tbl, Order: []int{0}}
	buf := NewLevelBuffers(0, pyramid.Shape{Height: 4, Width: 4}, 1)

	_, err := p.PlaceLevel(context.Background(), buf, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 5,
	}, buf.Intensity)
}
