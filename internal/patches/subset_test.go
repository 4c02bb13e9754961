package patches

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubset(t *testing.T) {
	mem := NewMemory(1, 2, 1)
	for i, id := range []int64{10, 20, 30, 40} {
		_, err := mem.Add(id, []uint8{1, 0}, []uint16{uint16(i), uint16(i)})
		require.NoError(t, err)
	}

	sub, missing, err := NewSubset(mem, []int64{40, 99, 20, 40})
	require.NoError(t, err)
	assert.Equal(t, []int64{99}, missing)
	require.Equal(t, 2, sub.Len())

	id, err := sub.CellID(0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), id)
	id, err = sub.CellID(1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), id)

	d, ok := sub.DenseIndex(40)
	assert.True(t, ok)
	assert.Equal(t, 1, d)
	_, ok = sub.DenseIndex(10)
	assert.False(t, ok)

	in, err := sub.IntensityPatch(1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 3}, in)

	_, err = sub.MaskPatch(2)
	assert.True(t, errors.Is(err, ErrCellNotFound))

	h, w := sub.PatchShape()
	assert.Equal(t, [2]int{1, 2}, [2]int{h, w})
	assert.Equal(t, 1, sub.Channels())
}
