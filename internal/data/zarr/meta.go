// Package zarr provides read/write access to Zarr v3 arrays and OME-Zarr
// multiscale groups stored on the local filesystem.
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedDataType is returned for data types this package cannot decode.
	ErrUnsupportedDataType = errors.New("unsupported zarr data_type")
	// ErrUnsupportedCodec is returned for codecs this package cannot apply.
	ErrUnsupportedCodec = errors.New("unsupported zarr codec")
)

// CodecMeta is one entry of an array's codec pipeline.
type CodecMeta struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator,omitempty"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue      interface{}            `json:"fill_value"`
	Codecs         []CodecMeta            `json:"codecs"`
	DimensionNames []string               `json:"dimension_names,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
}

// ChunkShape returns the regular chunk shape.
func (m *ArrayMeta) ChunkShape() []int {
	return m.ChunkGrid.Configuration.ChunkShape
}

func (m *ArrayMeta) validate() error {
	if len(m.Shape) == 0 || len(m.ChunkShape()) == 0 {
		return fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(m.ChunkShape()) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(m.ChunkShape()))
	}
	for d, c := range m.ChunkShape() {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
		if m.Shape[d] < 0 {
			return fmt.Errorf("invalid shape at dim %d: %d", d, m.Shape[d])
		}
	}
	if _, err := dtypeSize(m.DataType); err != nil {
		return err
	}
	return nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/zarr.json: %w", arrayPath, err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a zarr %s, not an array", arrayPath, meta.NodeType)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a sibling temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// chunkKey encodes chunk indices as a relative storage key.
func chunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}

	if meta.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		if len(parts) == 0 {
			return "0"
		}
		return strings.Join(parts, sep)
	}

	if sep == "" {
		sep = "/"
	}
	return strings.Join(append([]string{"c"}, parts...), sep)
}

// chunkShapeAt returns the in-bounds extent of the chunk at chunkIndices.
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkShape()[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}
	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "bool", "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDataType, dataType)
	}
}

// fillValueBytes returns the little-endian encoding of one fill element.
func fillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)

	var f float64
	switch t := meta.FillValue.(type) {
	case nil:
		return out, nil
	case bool:
		if t {
			f = 1
		}
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		// "NaN", "Infinity" and hex encodings only make sense for floats.
		switch t {
		case "NaN":
			f = math.NaN()
		case "Infinity":
			f = math.Inf(1)
		case "-Infinity":
			f = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q for %s", t, meta.DataType)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, meta.FillValue)
	}

	switch meta.DataType {
	case "bool", "uint8", "int8":
		out[0] = byte(int64(f))
	case "uint16", "int16":
		le.PutUint16(out, uint16(int64(f)))
	case "uint32", "int32":
		le.PutUint32(out, uint32(int64(f)))
	case "uint64", "int64":
		le.PutUint64(out, uint64(int64(f)))
	case "float32":
		le.PutUint32(out, math.Float32bits(float32(f)))
	case "float64":
		le.PutUint64(out, math.Float64bits(f))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	if isZero(fill) {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// isAllFill reports whether every element of data equals fill.
func isAllFill(data, fill []byte) bool {
	if isZero(fill) {
		return isZero(data)
	}
	n := len(fill)
	for i := 0; i+n <= len(data); i += n {
		for j := 0; j < n; j++ {
			if data[i+j] != fill[j] {
				return false
			}
		}
	}
	return true
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
