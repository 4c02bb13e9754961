package patches

import (
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/seal-mosaic/server/internal/data/zarr"
)

// Store reads patches from Zarr arrays: masks shaped [N, h, w] and intensity
// shaped [C, N, h, w]. An optional 1-D cell_ids array of length N carries the
// semantic ID of each dense index; without it the dense index is the ID.
type Store struct {
	masks     *zarr.Array
	intensity *zarr.Array
	ids       []int64
	byID      map[int64]int

	n, h, w  int
	channels int
}

// StoreOptions locates the arrays backing a Store.
type StoreOptions struct {
	MasksPath   string
	ImagesPath  string
	CellIDsPath string
	Array       zarr.Options
}

// OpenStore opens the mask and intensity arrays and validates that their
// shapes agree.
func OpenStore(opts StoreOptions) (*Store, error) {
	masks, err := zarr.OpenArray(opts.MasksPath, opts.Array)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask patches: %w", err)
	}
	images, err := zarr.OpenArray(opts.ImagesPath, opts.Array)
	if err != nil {
		return nil, fmt.Errorf("failed to open intensity patches: %w", err)
	}

	ms, is := masks.Shape(), images.Shape()
	if len(ms) != 3 {
		return nil, fmt.Errorf("mask patches must be [N, h, w], got %v", ms)
	}
	if len(is) != 4 {
		return nil, fmt.Errorf("intensity patches must be [C, N, h, w], got %v", is)
	}
	if is[1] != ms[0] || is[2] != ms[1] || is[3] != ms[2] {
		return nil, fmt.Errorf("intensity patch shape %v does not match mask patch shape %v", is, ms)
	}

	s := &Store{
		masks:     masks,
		intensity: images,
		n:         ms[0],
		h:         ms[1],
		w:         ms[2],
		channels:  is[0],
	}

	if opts.CellIDsPath != "" {
		if err := s.loadCellIDs(opts.CellIDsPath, opts.Array); err != nil {
			return nil, err
		}
	}

	log.Printf("[Patches] Opened %s cells, patch %dx%d, %d channels (%s per intensity patch)",
		humanize.Comma(int64(s.n)), s.h, s.w, s.channels,
		humanize.IBytes(uint64(s.channels*s.h*s.w*2)))
	return s, nil
}

func (s *Store) loadCellIDs(path string, opts zarr.Options) error {
	arr, err := zarr.OpenArray(path, opts)
	if err != nil {
		return fmt.Errorf("failed to open cell ids: %w", err)
	}
	if shape := arr.Shape(); len(shape) != 1 || shape[0] != s.n {
		return fmt.Errorf("cell ids shape %v does not match %d cells", shape, s.n)
	}
	raw, err := arr.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read cell ids: %w", err)
	}
	ids, err := zarr.DecodeInt64(raw, arr.DataType())
	if err != nil {
		return err
	}
	byID := make(map[int64]int, len(ids))
	for dense, id := range ids {
		if _, dup := byID[id]; dup {
			return fmt.Errorf("duplicate cell id %d in %s", id, path)
		}
		byID[id] = dense
	}
	s.ids = ids
	s.byID = byID
	return nil
}

func (s *Store) Len() int               { return s.n }
func (s *Store) PatchShape() (int, int) { return s.h, s.w }
func (s *Store) Channels() int          { return s.channels }

func (s *Store) CellID(dense int) (int64, error) {
	if dense < 0 || dense >= s.n {
		return 0, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	if s.ids == nil {
		return int64(dense), nil
	}
	return s.ids[dense], nil
}

func (s *Store) DenseIndex(cellID int64) (int, bool) {
	if s.byID == nil {
		if cellID < 0 || cellID >= int64(s.n) {
			return 0, false
		}
		return int(cellID), true
	}
	d, ok := s.byID[cellID]
	return d, ok
}

// MaskPatch reads one mask patch. Values above 255 saturate.
func (s *Store) MaskPatch(dense int) ([]uint8, error) {
	if dense < 0 || dense >= s.n {
		return nil, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	raw, err := s.masks.ReadRegion([]int{dense, 0, 0}, []int{1, s.h, s.w})
	if err != nil {
		return nil, fmt.Errorf("failed to read mask patch %d: %w", dense, err)
	}
	vals, err := zarr.DecodeUint32(raw, s.masks.DataType())
	if err != nil {
		return nil, err
	}
	out := make([]uint8, len(vals))
	for i, v := range vals {
		out[i] = uint8(min(v, 255))
	}
	return out, nil
}

// IntensityPatch reads all channels of one intensity patch.
func (s *Store) IntensityPatch(dense int) ([]uint16, error) {
	if dense < 0 || dense >= s.n {
		return nil, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	raw, err := s.intensity.ReadRegion([]int{0, dense, 0, 0}, []int{s.channels, 1, s.h, s.w})
	if err != nil {
		return nil, fmt.Errorf("failed to read intensity patch %d: %w", dense, err)
	}
	return zarr.DecodeUint16(raw, s.intensity.DataType())
}
