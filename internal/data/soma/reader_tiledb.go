//go:build soma

package soma

import (
	"fmt"
	"log"
	"math"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/seal-mosaic/server/internal/embedding"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Embedding reads the first two components of an obsm matrix. Cell IDs are
// the obs soma_joinid values.
func (r *Reader) Embedding(name string) (*embedding.Table, error) {
	uri, err := ObsmURI(r.experimentURI, name)
	if err != nil {
		return nil, err
	}
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open obsm array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open obsm array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_dim_0")
	if err != nil {
		return nil, fmt.Errorf("failed to get obsm non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return embedding.FromRows(nil)
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse obsm non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create obsm subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](0, 1)); err != nil {
		return nil, fmt.Errorf("failed to add component range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create obsm query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set obsm subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	valType, err := attributeType(arr, "soma_data")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect soma_data type: %w", err)
	}
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}

	const bufSize = 1 << 20
	outCell := make([]int64, bufSize)
	outComp := make([]int64, bufSize)
	var out32 []float32
	var out64 []float64
	switch valType {
	case tiledb.TILEDB_FLOAT32:
		out32 = make([]float32, bufSize)
	case tiledb.TILEDB_FLOAT64:
		out64 = make([]float64, bufSize)
	default:
		return nil, fmt.Errorf("unsupported obsm value type %v", valType)
	}
	var outValid []uint8
	if valNullable {
		outValid = make([]uint8, bufSize)
	}

	var cells, comps []int64
	var vals []float64
	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outComp); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if out32 != nil {
			_, err = q.SetDataBuffer("soma_data", out32)
		} else {
			_, err = q.SetDataBuffer("soma_data", out64)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("obsm query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("obsm query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("obsm query ResultBufferElements failed: %w", err)
		}
		got := min(int(elems["soma_data"][1]), bufSize)
		gotValid := 0
		if valNullable {
			gotValid = min(int(elems["soma_data"][2]), bufSize)
		}

		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValid[i] == 0 {
				continue
			}
			var v float64
			if out32 != nil {
				v = float64(out32[i])
			} else {
				v = out64[i]
			}
			cells = append(cells, outCell[i])
			comps = append(comps, outComp[i])
			vals = append(vals, v)
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected obsm query status: %v", status)
		}
	}

	log.Printf("[SOMA] Read %d obsm entries from %s", len(vals), uri)
	return embeddingFromEntries(cells, comps, vals)
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}


func attributeType(arr *tiledb.Array, name string) (tiledb.Datatype, error) {
	schema, err := arr.Schema()
	if err != nil {
		return 0, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return 0, err
	}
	defer attr.Free()
	return attr.Type()
}
