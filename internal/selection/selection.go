// Package selection normalizes externally supplied cell selections and keys
// the results built from them.
package selection

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// ErrInvalidSelection is returned for selection values that are not integer
// IDs or (nested) lists of them.
var ErrInvalidSelection = errors.New("invalid cell selection")

// ParseIDs flattens a JSON cell selection into integer IDs. A single number,
// a list of numbers and arbitrarily nested lists are accepted; numeric
// strings are accepted as well. Order and duplicates are preserved.
func ParseIDs(raw json.RawMessage) ([]int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	var out []int64
	if err := flatten(v, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// FromValue flattens an already decoded selection, such as one read from a
// YAML config.
func FromValue(v interface{}) ([]int64, error) {
	var out []int64
	if err := flatten(v, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

const maxDepth = 32

func flatten(v interface{}, out *[]int64, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nested deeper than %d", ErrInvalidSelection, maxDepth)
	}
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		for _, item := range t {
			if err := flatten(item, out, depth+1); err != nil {
				return err
			}
		}
		return nil
	case json.Number:
		return appendString(out, t.String())
	case string:
		return appendString(out, t)
	case float64:
		return appendFloat(out, t)
	case int:
		*out = append(*out, int64(t))
	case int64:
		*out = append(*out, t)
	case uint64:
		if t > math.MaxInt64 {
			return fmt.Errorf("%w: %d out of range", ErrInvalidSelection, t)
		}
		*out = append(*out, int64(t))
	default:
		return fmt.Errorf("%w: unexpected %T", ErrInvalidSelection, v)
	}
	return nil
}

func appendString(out *[]int64, s string) error {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		*out = append(*out, id)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a cell ID", ErrInvalidSelection, s)
	}
	return appendFloat(out, f)
}

func appendFloat(out *[]int64, f float64) error {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) || math.Abs(f) > 1<<53 {
		return fmt.Errorf("%w: %v is not an integer", ErrInvalidSelection, f)
	}
	*out = append(*out, int64(f))
	return nil
}

// Normalize returns the sorted, de-duplicated ID set.
func Normalize(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Hash is the hex SHA-256 of the normalized ID set. Selections that differ
// only in order, duplicates or nesting hash the same.
func Hash(ids []int64) string {
	h := sha256.New()
	var b [8]byte
	for _, id := range Normalize(ids) {
		binary.LittleEndian.PutUint64(b[:], uint64(id))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key addresses a result built from one selection of one dataset.
type Key struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
	IDHash  string `json:"id_hash"`
}

// NewKey builds the key for ids selected under path in dataset.
func NewKey(dataset, path string, ids []int64) Key {
	return Key{Dataset: dataset, Path: path, IDHash: Hash(ids)}
}

func (k Key) String() string {
	return fmt.Sprintf("sel:%s:%s:%s", k.Dataset, k.Path, k.IDHash)
}

// Result is the immutable record of a finished selection build. Records are
// replaced, never modified.
type Result struct {
	Key       Key       `json:"key"`
	CellCount int       `json:"cell_count"`
	OutputDir string    `json:"output_dir"`
	Levels    int       `json:"levels"`
	Accepted  []int     `json:"accepted"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode serializes r.
func (r Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult parses a record written by Encode.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("failed to decode selection result: %w", err)
	}
	return r, nil
}
