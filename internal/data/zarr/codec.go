package zarr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a bytes-to-bytes chunk codec.
type Codec interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Meta() CodecMeta
}

// CompressionCodec returns the bytes-to-bytes codec for a configured
// compression name. An empty name or "none" returns nil (no compression).
func CompressionCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "zstd":
		return newZstdCodec(0)
	case "gzip":
		return gzipCodec{level: gzip.DefaultCompression}, nil
	case "lz4", "numcodecs.lz4":
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, name)
	}
}

// codecChain is the parsed codec pipeline of one array: a "bytes"
// array-to-bytes codec followed by zero or more bytes-to-bytes codecs.
type codecChain struct {
	itemSize  int
	bigEndian bool
	codecs    []Codec
}

func newCodecChain(meta *ArrayMeta) (*codecChain, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	chain := &codecChain{itemSize: size}

	sawBytes := false
	for _, cm := range meta.Codecs {
		switch cm.Name {
		case "bytes":
			sawBytes = true
			if e, ok := cm.Configuration["endian"].(string); ok && e == "big" {
				chain.bigEndian = true
			}
		case "zstd":
			level := 0
			if l, ok := cm.Configuration["level"].(float64); ok {
				level = int(l)
			}
			c, err := newZstdCodec(level)
			if err != nil {
				return nil, err
			}
			chain.codecs = append(chain.codecs, c)
		case "gzip":
			level := gzip.DefaultCompression
			if l, ok := cm.Configuration["level"].(float64); ok {
				level = int(l)
			}
			chain.codecs = append(chain.codecs, gzipCodec{level: level})
		case "numcodecs.lz4", "lz4":
			chain.codecs = append(chain.codecs, lz4Codec{})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cm.Name)
		}
	}
	if !sawBytes && len(meta.Codecs) > 0 {
		return nil, fmt.Errorf("%w: codec pipeline without a bytes codec", ErrUnsupportedCodec)
	}
	return chain, nil
}

// decode turns stored chunk bytes into little-endian element bytes.
func (c *codecChain) decode(data []byte) ([]byte, error) {
	var err error
	for i := len(c.codecs) - 1; i >= 0; i-- {
		data, err = c.codecs[i].Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s decode failed: %w", c.codecs[i].Name(), err)
		}
	}
	if c.bigEndian {
		data = swapBytes(data, c.itemSize)
	}
	return data, nil
}

// encode turns little-endian element bytes into stored chunk bytes.
func (c *codecChain) encode(data []byte) ([]byte, error) {
	if c.bigEndian {
		data = swapBytes(append([]byte(nil), data...), c.itemSize)
	}
	var err error
	for _, codec := range c.codecs {
		data, err = codec.Encode(data)
		if err != nil {
			return nil, fmt.Errorf("%s encode failed: %w", codec.Name(), err)
		}
	}
	return data, nil
}

func codecMetas(compression Codec) []CodecMeta {
	metas := []CodecMeta{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	if compression != nil {
		metas = append(metas, compression.Meta())
	}
	return metas
}

func swapBytes(data []byte, itemSize int) []byte {
	if itemSize <= 1 {
		return data
	}
	for i := 0; i+itemSize <= len(data); i += itemSize {
		for a, b := i, i+itemSize-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
	return data
}

// zstd

var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

type zstdCodec struct {
	level   int
	encoder *zstd.Encoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	if zstdDecoderErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", zstdDecoderErr)
	}

	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel), zstd.WithEncoderCRC(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &zstdCodec{level: level, encoder: enc}, nil
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

func (c *zstdCodec) Meta() CodecMeta {
	return CodecMeta{Name: "zstd", Configuration: map[string]interface{}{"level": c.level, "checksum": false}}
}

// gzip

type gzipCodec struct {
	level int
}

func (c gzipCodec) Name() string { return "gzip" }

func (c gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c gzipCodec) Meta() CodecMeta {
	level := c.level
	if level < 0 {
		level = 6
	}
	return CodecMeta{Name: "gzip", Configuration: map[string]interface{}{"level": level}}
}

// lz4 in the numcodecs layout: a little-endian uint32 of the decoded size
// followed by one LZ4 block.

var errLZ4Header = errors.New("lz4 chunk shorter than its size header")

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "numcodecs.lz4" }

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	if len(data) == 0 {
		return out[:4], nil
	}

	lc, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(data, out[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// CompressBlock reports incompressible input as n == 0.
		return append(out[:4], lz4LiteralBlock(data)...), nil
	}
	return out[:4+n], nil
}

// lz4LiteralBlock encodes src as a single literal-only LZ4 sequence.
func lz4LiteralBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rem := n - 15
		for rem >= 255 {
			out = append(out, 255)
			rem -= 255
		}
		out = append(out, byte(rem))
	}
	return append(out, src...)
}

func (lz4Codec) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errLZ4Header
	}
	size := int(binary.LittleEndian.Uint32(data))
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func (lz4Codec) Meta() CodecMeta {
	return CodecMeta{Name: "numcodecs.lz4", Configuration: map[string]interface{}{"acceleration": 1}}
}
