package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiscale_WriteAndFinalize(t *testing.T) {
	root := filepath.Join(t.TempDir(), "image.ome.zarr")
	ms, err := CreateMultiscale(root, MultiscaleSpec{
		Name:            "mosaic",
		LevelShapes:     [][2]int{{4, 6}, {2, 3}},
		Channels:        2,
		DataType:        "uint16",
		TileSize:        4,
		DownscaleFactor: 2,
		PixelSize:       0.5,
		ChannelNames:    []string{"DAPI"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, ms.LevelShape(0))

	ctx := context.Background()
	require.NoError(t, ms.WriteLevel(ctx, 0, AsBytes(make([]uint16, 2*4*6))))

	// Group metadata must not be published before every level exists.
	require.Error(t, ms.Finalize())
	_, err = os.Stat(filepath.Join(root, "zarr.json"))
	assert.True(t, os.IsNotExist(err))

	level1 := seqUint16(2 * 2 * 3)
	require.NoError(t, ms.WriteLevel(ctx, 1, AsBytes(level1)))
	require.NoError(t, ms.Finalize())

	base, err := OpenArray(LevelPath(root, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, base.Meta().ChunkShape())

	// Level 1 is smaller than a tile, so its chunk is the level itself.
	arr, err := OpenArray(LevelPath(root, 1), Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, arr.Meta().ChunkShape())
	assert.Equal(t, []string{"c", "y", "x"}, arr.Meta().DimensionNames)
	got, err := arr.ReadAll()
	require.NoError(t, err)
	vals, err := DecodeUint16(got, "uint16")
	require.NoError(t, err)
	assert.Equal(t, level1, vals)

	ref, err := ReadReference(root)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ref.PixelSize, 1e-12)
	assert.Equal(t, "micrometer", ref.PixelUnit)
	assert.Equal(t, []string{"DAPI", "Channel 1"}, ref.ChannelNames)
	assert.Equal(t, [2]int{4, 6}, ref.BaseShape)
	assert.Equal(t, []string{"0", "1"}, ref.Datasets)
}

func TestMultiscale_LabelMetadata(t *testing.T) {
	root := filepath.Join(t.TempDir(), "labels.ome.zarr")
	ms, err := CreateMultiscale(root, MultiscaleSpec{
		LevelShapes: [][2]int{{3, 3}},
		DataType:    "uint32",
		TileSize:    1024,
		Label:       true,
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, ms.WriteLevel(context.Background(), 0, AsBytes(make([]uint32, 9))))
	require.NoError(t, ms.Finalize())

	raw, err := os.ReadFile(filepath.Join(root, "zarr.json"))
	require.NoError(t, err)
	var group struct {
		NodeType   string `json:"node_type"`
		Attributes struct {
			OME omeAttrs `json:"ome"`
		} `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(raw, &group))
	assert.Equal(t, "group", group.NodeType)
	assert.Equal(t, OMEVersion, group.Attributes.OME.Version)
	require.NotNil(t, group.Attributes.OME.ImageLabel)
	assert.Nil(t, group.Attributes.OME.Omero)
	require.Len(t, group.Attributes.OME.Multiscales, 1)
	assert.Len(t, group.Attributes.OME.Multiscales[0].Axes, 2)

	arr, err := OpenArray(LevelPath(root, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, arr.Meta().ChunkShape())
}

func TestReadReference_V04Layout(t *testing.T) {
	root := t.TempDir()
	zattrs := `{
  "multiscales": [{
    "version": "0.4",
    "axes": [{"name": "c", "type": "channel"}, {"name": "y", "type": "space", "unit": "micrometer"}, {"name": "x", "type": "space", "unit": "micrometer"}],
    "datasets": [{"path": "0", "coordinateTransformations": [{"type": "scale", "scale": [1, 0.325, 0.325]}]}]
  }],
  "omero": {"channels": [{"label": "CD3", "active": true}, {"label": "CD20", "active": true}]}
}`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".zattrs"), []byte(zattrs), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "0", ".zarray"), []byte(`{"shape": [2, 5000, 7000]}`), 0o644))

	ref, err := ReadReference(root)
	require.NoError(t, err)
	assert.InDelta(t, 0.325, ref.PixelSize, 1e-12)
	assert.Equal(t, []string{"CD3", "CD20"}, ref.ChannelNames)
	assert.Equal(t, [2]int{5000, 7000}, ref.BaseShape)
}

func TestReadReference_NotMultiscale(t *testing.T) {
	_, err := ReadReference(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotMultiscale))
}
