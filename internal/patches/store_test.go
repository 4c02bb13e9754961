package patches

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seal-mosaic/server/internal/data/zarr"
)

// writeFixture creates 3 cells of 2x2 patches with 2 channels.
func writeFixture(t *testing.T, withIDs bool) StoreOptions {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	opts := StoreOptions{
		MasksPath:  filepath.Join(dir, "masks"),
		ImagesPath: filepath.Join(dir, "images"),
	}

	masks, err := zarr.CreateArray(opts.MasksPath, zarr.ArraySpec{
		Shape: []int{3, 2, 2}, ChunkShape: []int{1, 2, 2}, DataType: "uint8",
	}, zarr.Options{})
	require.NoError(t, err)
	require.NoError(t, masks.WriteRegion(ctx, []int{0, 0, 0}, []int{3, 2, 2}, []byte{
		1, 0, 0, 1,
		1, 1, 1, 1,
		0, 0, 0, 0,
	}))

	images, err := zarr.CreateArray(opts.ImagesPath, zarr.ArraySpec{
		Shape: []int{2, 3, 2, 2}, ChunkShape: []int{1, 2, 2, 2}, DataType: "uint16",
	}, zarr.Options{})
	require.NoError(t, err)
	vals := make([]uint16, 2*3*2*2)
	for i := range vals {
		vals[i] = uint16(i)
	}
	require.NoError(t, images.WriteRegion(ctx, []int{0, 0, 0, 0}, []int{2, 3, 2, 2}, zarr.AsBytes(vals)))

	if withIDs {
		opts.CellIDsPath = filepath.Join(dir, "cell_ids")
		ids, err := zarr.CreateArray(opts.CellIDsPath, zarr.ArraySpec{
			Shape: []int{3}, ChunkShape: []int{3}, DataType: "int64",
		}, zarr.Options{})
		require.NoError(t, err)
		require.NoError(t, ids.WriteRegion(ctx, []int{0}, []int{3}, zarr.AsBytes([]int64{101, 205, 7})))
	}
	return opts
}

func TestStore_ReadsPatches(t *testing.T) {
	s, err := OpenStore(writeFixture(t, false))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	h, w := s.PatchShape()
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, s.Channels())

	mask, err := s.MaskPatch(0)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 0, 0, 1}, mask)

	// Cell 1: channel 0 holds values 4..7, channel 1 holds 16..19.
	img, err := s.IntensityPatch(1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 5, 6, 7, 16, 17, 18, 19}, img)

	id, err := s.CellID(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	d, ok := s.DenseIndex(1)
	assert.True(t, ok)
	assert.Equal(t, 1, d)
	_, ok = s.DenseIndex(3)
	assert.False(t, ok)

	_, err = s.MaskPatch(3)
	assert.True(t, errors.Is(err, ErrCellNotFound))
}

func TestStore_CellIDMapping(t *testing.T) {
	s, err := OpenStore(writeFixture(t, true))
	require.NoError(t, err)

	id, err := s.CellID(1)
	require.NoError(t, err)
	assert.Equal(t, int64(205), id)

	d, ok := s.DenseIndex(7)
	require.True(t, ok)
	assert.Equal(t, 2, d)

	_, ok = s.DenseIndex(1)
	assert.False(t, ok)
}

func TestStore_ShapeMismatch(t *testing.T) {
	opts := writeFixture(t, false)
	_, err := zarr.CreateArray(opts.ImagesPath, zarr.ArraySpec{
		Shape: []int{2, 3, 3, 3}, ChunkShape: []int{1, 1, 3, 3}, DataType: "uint16",
	}, zarr.Options{})
	require.NoError(t, err)

	_, err = OpenStore(opts)
	assert.Error(t, err)
}

func TestMemory_AddAndLookup(t *testing.T) {
	m := NewMemory(1, 2, 1)
	d, err := m.Add(42, []uint8{1, 1}, []uint16{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	_, err = m.Add(42, []uint8{1, 1}, nil)
	assert.Error(t, err)
	_, err = m.Add(43, []uint8{1}, nil)
	assert.Error(t, err)

	d, err = m.Add(43, []uint8{0, 1}, nil)
	require.NoError(t, err)
	img, err := m.IntensityPatch(d)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0}, img)

	got, ok := m.DenseIndex(42)
	assert.True(t, ok)
	assert.Equal(t, 0, got)
	_, err = m.CellID(5)
	assert.True(t, errors.Is(err, ErrCellNotFound))
}
