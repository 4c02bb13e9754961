// Package pyramid computes the level geometry of a multi-resolution image.
package pyramid

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned for non-positive shapes, factors or sizes.
var ErrInvalidGeometry = errors.New("invalid pyramid geometry")

// Shape is a 2-D (height, width) pixel shape.
type Shape struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Max returns the larger of the two dimensions.
func (s Shape) Max() int {
	if s.Height > s.Width {
		return s.Height
	}
	return s.Width
}

// Pixels returns Height*Width.
func (s Shape) Pixels() int {
	return s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d)", s.Height, s.Width)
}

// Planner holds the pyramid settings shared by every level.
type Planner struct {
	DownscaleFactor int
	MaxTopSize      int
}

// NewPlanner validates the settings and returns a Planner.
func NewPlanner(downscaleFactor, maxTopSize int) (Planner, error) {
	p := Planner{DownscaleFactor: downscaleFactor, MaxTopSize: maxTopSize}
	if err := p.validate(); err != nil {
		return Planner{}, err
	}
	return p, nil
}

func (p Planner) validate() error {
	if p.DownscaleFactor <= 1 {
		return fmt.Errorf("%w: downscale factor must be > 1, got %d", ErrInvalidGeometry, p.DownscaleFactor)
	}
	if p.MaxTopSize <= 0 {
		return fmt.Errorf("%w: max top-level size must be positive, got %d", ErrInvalidGeometry, p.MaxTopSize)
	}
	return nil
}

// NumLevels returns ceil(log_f(max(h,w)/m)) + 1, never less than 1.
func (p Planner) NumLevels(base Shape) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	if base.Height <= 0 || base.Width <= 0 {
		return 0, fmt.Errorf("%w: base shape must be positive, got %v", ErrInvalidGeometry, base)
	}

	ratio := float64(base.Max()) / float64(p.MaxTopSize)
	if ratio <= 1 {
		return 1, nil
	}
	levels := int(math.Ceil(math.Log(ratio)/math.Log(float64(p.DownscaleFactor)))) + 1

	// Guard against floating point landing one level short or long.
	for levels > 1 && ceilDiv(base.Max(), pow(p.DownscaleFactor, levels-2)) <= p.MaxTopSize {
		levels--
	}
	for ceilDiv(base.Max(), pow(p.DownscaleFactor, levels-1)) > p.MaxTopSize {
		levels++
	}
	return levels, nil
}

// Shapes returns ceil(base / f^z) for every level z.
func (p Planner) Shapes(base Shape) ([]Shape, error) {
	n, err := p.NumLevels(base)
	if err != nil {
		return nil, err
	}
	shapes := make([]Shape, n)
	for z := 0; z < n; z++ {
		shapes[z] = p.LevelShape(base, z)
	}
	return shapes, nil
}

// LevelShape returns the shape of level z. Settings are assumed valid.
func (p Planner) LevelShape(base Shape, z int) Shape {
	f := pow(p.DownscaleFactor, z)
	return Shape{Height: ceilDiv(base.Height, f), Width: ceilDiv(base.Width, f)}
}

// ScaleFactor returns f^z.
func (p Planner) ScaleFactor(z int) int {
	return pow(p.DownscaleFactor, z)
}

func pow(base, exp int) int {
	out := 1
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
