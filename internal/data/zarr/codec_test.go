package zarr

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionCodec_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.IntN(256))
	}
	inputs := map[string][]byte{
		"empty":      {},
		"repetitive": bytes.Repeat([]byte{1, 2, 3, 4}, 1024),
		"random":     random,
	}

	for _, name := range []string{"zstd", "gzip", "lz4"} {
		codec, err := CompressionCodec(name)
		require.NoError(t, err)
		for label, in := range inputs {
			enc, err := codec.Encode(in)
			require.NoError(t, err, "%s/%s", name, label)
			dec, err := codec.Decode(enc)
			require.NoError(t, err, "%s/%s", name, label)
			assert.Equal(t, len(in), len(dec), "%s/%s", name, label)
			assert.True(t, bytes.Equal(in, dec), "%s/%s", name, label)
		}
	}
}

func TestCompressionCodec_NoneAndUnknown(t *testing.T) {
	c, err := CompressionCodec("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = CompressionCodec("blosc")
	assert.True(t, errors.Is(err, ErrUnsupportedCodec))
}

func TestLZ4Codec_SizeHeader(t *testing.T) {
	in := bytes.Repeat([]byte{5}, 300)
	enc, err := lz4Codec{}.Encode(in)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(enc), 4)
	assert.Equal(t, uint32(300), le.Uint32(enc[:4]))

	_, err = lz4Codec{}.Decode([]byte{1, 2})
	assert.Error(t, err)
}

func TestChunkKey(t *testing.T) {
	meta := &ArrayMeta{}
	meta.ChunkKeyEncoding.Name = "default"
	assert.Equal(t, "c/1/2", chunkKey(meta, []int{1, 2}))

	meta.ChunkKeyEncoding.Name = "v2"
	assert.Equal(t, "1.2", chunkKey(meta, []int{1, 2}))
	assert.Equal(t, "0", chunkKey(meta, nil))
}
