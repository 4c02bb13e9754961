package patches

import (
	"fmt"
	"slices"
)

// Subset is an Index restricted to a set of cells of a parent index. Dense
// indices of the subset run 0..Len()-1 in ascending parent order.
type Subset struct {
	parent Index
	dense  []int
	byID   map[int64]int
}

// NewSubset selects the given cell IDs from parent. IDs the parent does not
// hold are returned as missing; duplicates are dropped.
func NewSubset(parent Index, cellIDs []int64) (*Subset, []int64, error) {
	var missing []int64
	dense := make([]int, 0, len(cellIDs))
	seen := make(map[int]struct{}, len(cellIDs))
	for _, id := range cellIDs {
		d, ok := parent.DenseIndex(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		dense = append(dense, d)
	}
	slices.Sort(dense)

	s := &Subset{parent: parent, dense: dense, byID: make(map[int64]int, len(dense))}
	for i, d := range dense {
		id, err := parent.CellID(d)
		if err != nil {
			return nil, nil, fmt.Errorf("subset cell %d: %w", d, err)
		}
		s.byID[id] = i
	}
	return s, missing, nil
}

func (s *Subset) Len() int               { return len(s.dense) }
func (s *Subset) PatchShape() (int, int) { return s.parent.PatchShape() }
func (s *Subset) Channels() int          { return s.parent.Channels() }

func (s *Subset) parentIndex(dense int) (int, error) {
	if dense < 0 || dense >= len(s.dense) {
		return 0, fmt.Errorf("dense index %d: %w", dense, ErrCellNotFound)
	}
	return s.dense[dense], nil
}

func (s *Subset) CellID(dense int) (int64, error) {
	d, err := s.parentIndex(dense)
	if err != nil {
		return 0, err
	}
	return s.parent.CellID(d)
}

func (s *Subset) DenseIndex(cellID int64) (int, bool) {
	d, ok := s.byID[cellID]
	return d, ok
}

func (s *Subset) MaskPatch(dense int) ([]uint8, error) {
	d, err := s.parentIndex(dense)
	if err != nil {
		return nil, err
	}
	return s.parent.MaskPatch(d)
}

func (s *Subset) IntensityPatch(dense int) ([]uint16, error) {
	d, err := s.parentIndex(dense)
	if err != nil {
		return nil, err
	}
	return s.parent.IntensityPatch(d)
}
