package zarr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ChunkCache holds decoded chunks. Cached slices must be treated as read-only.
type ChunkCache interface {
	Get(key string) ([]byte, bool)
	Add(key string, data []byte)
	Remove(key string)
}

// Options configures how an Array is accessed.
type Options struct {
	// Cache is optional; decoded chunks are kept in it across reads.
	Cache ChunkCache
	// Workers bounds chunk-level parallelism (default GOMAXPROCS).
	Workers int
}

// Array is a Zarr v3 array stored in a local directory.
type Array struct {
	path     string
	meta     *ArrayMeta
	chain    *codecChain
	itemSize int
	fill     []byte
	cache    ChunkCache
	workers  int

	// writeMu serializes writers; chunk read-modify-write is not atomic.
	writeMu sync.Mutex
}

// ArraySpec describes an array to create.
type ArraySpec struct {
	Shape          []int
	ChunkShape     []int
	DataType       string
	FillValue      interface{}
	Compression    Codec
	DimensionNames []string
	Attributes     map[string]interface{}
}

// OpenArray opens an existing array.
func OpenArray(path string, opts Options) (*Array, error) {
	meta, err := loadArrayMeta(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata at %s: %w", path, err)
	}
	return newArray(path, meta, opts)
}

// CreateArray creates an array at path, replacing anything already there.
func CreateArray(path string, spec ArraySpec, opts Options) (*Array, error) {
	meta := &ArrayMeta{
		ZarrFormat:     3,
		NodeType:       "array",
		Shape:          append([]int(nil), spec.Shape...),
		DataType:       spec.DataType,
		FillValue:      spec.FillValue,
		Codecs:         codecMetas(spec.Compression),
		DimensionNames: spec.DimensionNames,
		Attributes:     spec.Attributes,
	}
	if meta.FillValue == nil {
		meta.FillValue = 0
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = append([]int(nil), spec.ChunkShape...)
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	if err := meta.validate(); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", path, err)
	}
	if err := writeJSONFile(filepath.Join(path, "zarr.json"), meta); err != nil {
		return nil, fmt.Errorf("failed to write array metadata: %w", err)
	}
	return newArray(path, meta, opts)
}

func newArray(path string, meta *ArrayMeta, opts Options) (*Array, error) {
	chain, err := newCodecChain(meta)
	if err != nil {
		return nil, err
	}
	fill, err := fillValueBytes(meta)
	if err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Array{
		path:     path,
		meta:     meta,
		chain:    chain,
		itemSize: chain.itemSize,
		fill:     fill,
		cache:    opts.Cache,
		workers:  workers,
	}, nil
}

// Path returns the array directory.
func (a *Array) Path() string { return a.path }

// Meta returns the array metadata. It must not be modified.
func (a *Array) Meta() *ArrayMeta { return a.meta }

// Shape returns a copy of the array shape.
func (a *Array) Shape() []int { return append([]int(nil), a.meta.Shape...) }

// DataType returns the zarr data type name.
func (a *Array) DataType() string { return a.meta.DataType }

// ItemSize returns the element size in bytes.
func (a *Array) ItemSize() int { return a.itemSize }

func (a *Array) checkRegion(offset, shape []int) error {
	if len(offset) != len(a.meta.Shape) || len(shape) != len(a.meta.Shape) {
		return fmt.Errorf("region has %d/%d dims, array %s has %d", len(offset), len(shape), a.path, len(a.meta.Shape))
	}
	for d := range shape {
		if offset[d] < 0 || shape[d] < 0 || offset[d]+shape[d] > a.meta.Shape[d] {
			return fmt.Errorf("region [%d:%d] out of bounds at dim %d (size %d) in %s",
				offset[d], offset[d]+shape[d], d, a.meta.Shape[d], a.path)
		}
	}
	return nil
}

// chunkRange returns the half-open range of chunk indices a region touches.
func (a *Array) chunkRange(offset, shape []int) (lo, hi []int, empty bool) {
	cs := a.meta.ChunkShape()
	lo = make([]int, len(shape))
	hi = make([]int, len(shape))
	for d := range shape {
		if shape[d] == 0 {
			return nil, nil, true
		}
		lo[d] = offset[d] / cs[d]
		hi[d] = (offset[d]+shape[d]-1)/cs[d] + 1
	}
	return lo, hi, false
}

// overlap returns, for one chunk, the intersected box in array coordinates.
func (a *Array) overlap(idx, offset, shape []int) (start, lo, extent []int) {
	cs := a.meta.ChunkShape()
	nd := len(idx)
	start = make([]int, nd)
	lo = make([]int, nd)
	extent = make([]int, nd)
	for d := 0; d < nd; d++ {
		start[d] = idx[d] * cs[d]
		l := max(offset[d], start[d])
		h := min(offset[d]+shape[d], start[d]+cs[d], a.meta.Shape[d])
		lo[d] = l
		extent[d] = h - l
	}
	return start, lo, extent
}

// readChunk returns the decoded chunk and the shape of its element layout.
func (a *Array) readChunk(idx []int) ([]byte, []int, error) {
	key := chunkKey(a.meta, idx)
	cacheKey := a.path + "/" + key
	if a.cache != nil {
		if data, ok := a.cache.Get(cacheKey); ok {
			layout, err := a.layoutFor(idx, len(data))
			return data, layout, err
		}
	}

	raw, err := os.ReadFile(filepath.Join(a.path, filepath.FromSlash(key)))
	if err != nil {
		// A chunk that was never written is all fill value.
		if os.IsNotExist(err) {
			full := a.meta.ChunkShape()
			return repeatFillBytes(a.fill, product(full)), full, nil
		}
		return nil, nil, err
	}

	data, err := a.chain.decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("chunk %s of %s: %w", key, a.path, err)
	}
	layout, err := a.layoutFor(idx, len(data))
	if err != nil {
		return nil, nil, err
	}
	if a.cache != nil {
		a.cache.Add(cacheKey, data)
	}
	return data, layout, nil
}

// layoutFor accepts both full-size chunks (the Zarr v3 rule) and edge chunks
// truncated to the array bounds, which some writers produce.
func (a *Array) layoutFor(idx []int, n int) ([]int, error) {
	full := a.meta.ChunkShape()
	if n == product(full)*a.itemSize {
		return full, nil
	}
	edge, err := chunkShapeAt(a.meta, idx)
	if err != nil {
		return nil, err
	}
	if n == product(edge)*a.itemSize {
		return edge, nil
	}
	return nil, fmt.Errorf("chunk %v of %s has %d bytes, expected %d", idx, a.path, n, product(full)*a.itemSize)
}

func (a *Array) writeChunk(idx []int, data []byte) error {
	key := chunkKey(a.meta, idx)
	path := filepath.Join(a.path, filepath.FromSlash(key))
	if a.cache != nil {
		a.cache.Remove(a.path + "/" + key)
	}

	if isAllFill(data, a.fill) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	encoded, err := a.chain.encode(data)
	if err != nil {
		return fmt.Errorf("chunk %s of %s: %w", key, a.path, err)
	}
	return writeFileAtomic(path, encoded)
}

// ReadRegion reads the box [offset, offset+shape) as little-endian element
// bytes in C order.
func (a *Array) ReadRegion(offset, shape []int) ([]byte, error) {
	if err := a.checkRegion(offset, shape); err != nil {
		return nil, err
	}
	out := make([]byte, product(shape)*a.itemSize)
	lo, hi, empty := a.chunkRange(offset, shape)
	if empty {
		return out, nil
	}

	// Single-chunk reads are the common case for per-cell patch access.
	if product(sub(hi, lo)) == 1 {
		return out, a.readInto(out, lo, offset, shape)
	}

	g := new(errgroup.Group)
	g.SetLimit(a.workers)
	forEachIndex(lo, hi, func(idx []int) {
		idx = append([]int(nil), idx...)
		g.Go(func() error {
			return a.readInto(out, idx, offset, shape)
		})
	})
	return out, g.Wait()
}

func (a *Array) readInto(out []byte, idx, offset, shape []int) error {
	chunk, layout, err := a.readChunk(idx)
	if err != nil {
		return fmt.Errorf("failed to read chunk %v: %w", idx, err)
	}
	start, lo, extent := a.overlap(idx, offset, shape)
	copyBox(out, shape, sub(lo, offset), chunk, layout, sub(lo, start), extent, a.itemSize)
	return nil
}

// ReadAll reads the whole array.
func (a *Array) ReadAll() ([]byte, error) {
	return a.ReadRegion(make([]int, len(a.meta.Shape)), a.meta.Shape)
}

// WriteRegion writes little-endian element bytes in C order into the box
// [offset, offset+shape). Chunks that end up entirely fill value are not
// stored.
func (a *Array) WriteRegion(ctx context.Context, offset, shape []int, data []byte) error {
	if err := a.checkRegion(offset, shape); err != nil {
		return err
	}
	if want := product(shape) * a.itemSize; len(data) != want {
		return fmt.Errorf("write to %s: got %d bytes, region needs %d", a.path, len(data), want)
	}
	lo, hi, empty := a.chunkRange(offset, shape)
	if empty {
		return nil
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	forEachIndex(lo, hi, func(idx []int) {
		idx = append([]int(nil), idx...)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return a.writeInto(idx, offset, shape, data)
		})
	})
	return g.Wait()
}

func (a *Array) writeInto(idx, offset, shape []int, data []byte) error {
	full := a.meta.ChunkShape()
	start, lo, extent := a.overlap(idx, offset, shape)
	edge, err := chunkShapeAt(a.meta, idx)
	if err != nil {
		return err
	}

	covered := true
	for d := range idx {
		if lo[d] != start[d] || extent[d] != edge[d] {
			covered = false
			break
		}
	}

	buf := repeatFillBytes(a.fill, product(full))
	if !covered {
		existing, layout, err := a.readChunk(idx)
		if err != nil {
			return fmt.Errorf("failed to read chunk %v for update: %w", idx, err)
		}
		copyBox(buf, full, make([]int, len(full)), existing, layout, make([]int, len(full)), minShape(layout, full), a.itemSize)
	}
	copyBox(buf, full, sub(lo, start), data, shape, sub(lo, offset), extent, a.itemSize)

	if err := a.writeChunk(idx, buf); err != nil {
		return fmt.Errorf("failed to write chunk %v: %w", idx, err)
	}
	return nil
}

// copyBox copies an extent-sized box from src (C order, srcShape elements) at
// srcOrigin into dst (dstShape elements) at dstOrigin.
func copyBox(dst []byte, dstShape, dstOrigin []int, src []byte, srcShape, srcOrigin []int, extent []int, itemSize int) {
	nd := len(extent)
	if nd == 0 {
		return
	}
	for _, e := range extent {
		if e <= 0 {
			return
		}
	}
	dstStrides := strides(dstShape, itemSize)
	srcStrides := strides(srcShape, itemSize)
	run := extent[nd-1] * itemSize

	idx := make([]int, nd-1)
	for {
		so := srcOrigin[nd-1] * itemSize
		do := dstOrigin[nd-1] * itemSize
		for d := 0; d < nd-1; d++ {
			so += (srcOrigin[d] + idx[d]) * srcStrides[d]
			do += (dstOrigin[d] + idx[d]) * dstStrides[d]
		}
		copy(dst[do:do+run], src[so:so+run])

		d := nd - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < extent[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

func strides(shape []int, itemSize int) []int {
	s := make([]int, len(shape))
	acc := itemSize
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

// forEachIndex visits every index in the half-open box [lo, hi). The slice
// passed to fn is reused between calls.
func forEachIndex(lo, hi []int, fn func(idx []int)) {
	nd := len(lo)
	idx := append([]int(nil), lo...)
	for {
		fn(idx)
		d := nd - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return
		}
	}
}

func sub(a, b []int) []int {
	out := make([]int, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func minShape(a, b []int) []int {
	out := make([]int, len(a))
	for i := range a {
		out[i] = min(a[i], b[i])
	}
	return out
}
