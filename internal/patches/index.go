// Package patches provides random access to per-cell mask and intensity
// patches, keyed by dense cell index.
package patches

import (
	"errors"
	"fmt"
)

// ErrCellNotFound is returned for a dense index or cell ID the index does not hold.
var ErrCellNotFound = errors.New("cell not found in patch index")

// Index is read-only access to the per-cell patch arrays.
//
// Masks are h*w values in row-major order. Intensity patches are c*h*w
// values laid out [channel][row][col].
type Index interface {
	Len() int
	PatchShape() (h, w int)
	Channels() int
	// CellID maps a dense index to its semantic cell ID.
	CellID(dense int) (int64, error)
	// DenseIndex maps a semantic cell ID back to its dense index.
	DenseIndex(cellID int64) (int, bool)
	MaskPatch(dense int) ([]uint8, error)
	IntensityPatch(dense int) ([]uint16, error)
}

// Memory is an in-memory Index, used for small datasets and tests.
type Memory struct {
	h, w      int
	channels  int
	ids       []int64
	byID      map[int64]int
	masks     [][]uint8
	intensity [][]uint16
}

// NewMemory creates an empty in-memory index for patches of h x w pixels
// with the given channel count.
func NewMemory(h, w, channels int) *Memory {
	return &Memory{h: h, w: w, channels: channels, byID: make(map[int64]int)}
}

// Add appends one cell and returns its dense index. A nil intensity patch is
// stored as zeros.
func (m *Memory) Add(cellID int64, mask []uint8, intensity []uint16) (int, error) {
	if len(mask) != m.h*m.w {
		return 0, fmt.Errorf("mask for cell %d has %d values, want %d", cellID, len(mask), m.h*m.w)
	}
	if intensity == nil {
		intensity = make([]uint16, m.channels*m.h*m.w)
	}
	if len(intensity) != m.channels*m.h*m.w {
		return 0, fmt.Errorf("intensity for cell %d has %d values, want %d", cellID, len(intensity), m.channels*m.h*m.w)
	}
	if _, dup := m.byID[cellID]; dup {
		return 0, fmt.Errorf("duplicate cell id %d", cellID)
	}
	dense := len(m.ids)
	m.ids = append(m.ids, cellID)
	m.byID[cellID] = dense
	m.masks = append(m.masks, mask)
	m.intensity = append(m.intensity, intensity)
	return dense, nil
}

func (m *Memory) Len() int               { return len(m.ids) }
func (m *Memory) PatchShape() (int, int) { return m.h, m.w }
func (m *Memory) Channels() int          { return m.channels }

func (m *Memory) CellID(dense int) (int64, error) {
	if dense < 0 || dense >= len(m.ids) {
		return 0, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	return m.ids[dense], nil
}

func (m *Memory) DenseIndex(cellID int64) (int, bool) {
	d, ok := m.byID[cellID]
	return d, ok
}

func (m *Memory) MaskPatch(dense int) ([]uint8, error) {
	if dense < 0 || dense >= len(m.masks) {
		return nil, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	return m.masks[dense], nil
}

func (m *Memory) IntensityPatch(dense int) ([]uint16, error) {
	if dense < 0 || dense >= len(m.intensity) {
		return nil, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	return m.intensity[dense], nil
}
