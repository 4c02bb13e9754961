// Package mosaic places per-cell patches at their embedding coordinates into
// the levels of a multi-resolution image without letting any two cells'
// masks overlap.
package mosaic

import (
	"fmt"
	"time"

	"github.com/seal-mosaic/server/internal/pyramid"
)

// LevelBuffers are the in-memory output planes of one pyramid level.
//
// Labels and Occupancy are h*w row-major; Intensity is [channel][row][col].
type LevelBuffers struct {
	Level     int
	Shape     pyramid.Shape
	Channels  int
	Occupancy []uint8
	Labels    []uint32
	Intensity []uint16
}

// NewLevelBuffers allocates zeroed buffers for one level.
func NewLevelBuffers(level int, shape pyramid.Shape, channels int) *LevelBuffers {
	n := shape.Pixels()
	return &LevelBuffers{
		Level:     level,
		Shape:     shape,
		Channels:  channels,
		Occupancy: make([]uint8, n),
		Labels:    make([]uint32, n),
		Intensity: make([]uint16, channels*n),
	}
}

// LevelBufferBytes is the memory one level's buffers need.
func LevelBufferBytes(shape pyramid.Shape, channels int) uint64 {
	n := uint64(shape.Pixels())
	return n + 4*n + 2*n*uint64(channels)
}

// DropOccupancy frees the occupancy plane, which is only needed while placing.
func (b *LevelBuffers) DropOccupancy() {
	b.Occupancy = nil
}

// Release frees all planes.
func (b *LevelBuffers) Release() {
	b.Occupancy = nil
	b.Labels = nil
	b.Intensity = nil
}

// Region is a placement rectangle in level pixel coordinates. The matching
// patch sub-region always starts at the patch origin.
type Region struct {
	X0, Y0 int
	W, H   int
}

// Empty reports whether the region has zero area.
func (r Region) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// LevelStats summarises one level's placement pass.
type LevelStats struct {
	Level    int           `json:"level"`
	Shape    pyramid.Shape `json:"shape"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Missing  int           `json:"missing"`
	// Empty counts accepted cells whose clipped region had no area.
	Empty   int           `json:"empty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Level phases reported in LevelError.
const (
	PhasePlacement = "placement"
	PhaseIntensity = "intensity"
	PhaseWrite     = "write"
	PhasePublish   = "publish"
)

// LevelError reports a store failure while a level was being built.
type LevelError struct {
	Level int
	Phase string
	Err   error
}

func (e *LevelError) Error() string {
	return fmt.Sprintf("level %d %s failed: %v", e.Level, e.Phase, e.Err)
}

func (e *LevelError) Unwrap() error { return e.Err }
