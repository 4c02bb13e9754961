// Package colormap provides color schemes for previews.
package colormap

import (
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between color stops in CIE L*a*b* space.
type LinearColormap struct {
	stops []colorful.Color
}

func rgb(r, g, b uint8) colorful.Color {
	c, _ := colorful.MakeColor(color.RGBA{R: r, G: g, B: b, A: 255})
	return c
}

func newLinear(stops ...colorful.Color) LinearColormap {
	return LinearColormap{stops: stops}
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || math.IsNaN(t) {
		return toRGBA(c.stops[0])
	}
	if t >= 1 {
		return toRGBA(c.stops[len(c.stops)-1])
	}

	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.stops)-1)
	return toRGBA(c.stops[lower].BlendLab(c.stops[upper], idx-float64(lower)))
}

// AtIndex returns the stop at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return toRGBA(c.stops[i%len(c.stops)])
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = newLinear(
	rgb(68, 1, 84),
	rgb(72, 35, 116),
	rgb(64, 67, 135),
	rgb(52, 94, 141),
	rgb(41, 120, 142),
	rgb(32, 144, 140),
	rgb(34, 167, 132),
	rgb(68, 190, 112),
	rgb(121, 209, 81),
	rgb(189, 222, 38),
	rgb(253, 231, 37),
)

// Plasma colormap
var Plasma = newLinear(
	rgb(13, 8, 135),
	rgb(75, 3, 161),
	rgb(125, 3, 168),
	rgb(168, 34, 150),
	rgb(203, 70, 121),
	rgb(229, 107, 93),
	rgb(248, 148, 65),
	rgb(253, 195, 40),
	rgb(240, 249, 33),
)

// Inferno colormap
var Inferno = newLinear(
	rgb(0, 0, 4),
	rgb(40, 11, 84),
	rgb(101, 21, 110),
	rgb(159, 42, 99),
	rgb(212, 72, 66),
	rgb(245, 125, 21),
	rgb(250, 193, 39),
	rgb(252, 255, 164),
)

// Magma colormap
var Magma = newLinear(
	rgb(0, 0, 4),
	rgb(28, 16, 68),
	rgb(79, 18, 123),
	rgb(129, 37, 129),
	rgb(181, 54, 122),
	rgb(229, 80, 100),
	rgb(251, 135, 97),
	rgb(254, 194, 135),
	rgb(252, 253, 191),
)

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},   // Blue
		{255, 127, 14, 255},   // Orange
		{44, 160, 44, 255},    // Green
		{214, 39, 40, 255},    // Red
		{148, 103, 189, 255},  // Purple
		{140, 86, 75, 255},    // Brown
		{227, 119, 194, 255},  // Pink
		{127, 127, 127, 255},  // Gray
		{188, 189, 34, 255},   // Olive
		{23, 190, 207, 255},   // Cyan
		{174, 199, 232, 255},  // Light blue
		{255, 187, 120, 255},  // Light orange
		{152, 223, 138, 255},  // Light green
		{255, 152, 150, 255},  // Light red
		{197, 176, 213, 255},  // Light purple
		{196, 156, 148, 255},  // Light brown
		{247, 182, 210, 255},  // Light pink
		{199, 199, 199, 255},  // Light gray
		{219, 219, 141, 255},  // Light olive
		{158, 218, 229, 255},  // Light cyan
	},
}

// LabelPalette colors segmentation labels. Label 0 is transparent; other
// labels walk the hue circle by the golden angle so neighbouring IDs get
// well separated colors.
type LabelPalette struct {
	Chroma, Luminance float64
}

// DefaultLabels is the palette used for label previews.
var DefaultLabels = LabelPalette{Chroma: 0.6, Luminance: 0.7}

// Label returns the color of label id.
func (p LabelPalette) Label(id uint32) color.RGBA {
	if id == 0 {
		return color.RGBA{}
	}
	hue := float64(uint64(id)*137508%360000) / 1000
	return toRGBA(colorful.Hcl(hue, p.Chroma, p.Luminance))
}

// ByName returns a named colormap.
func ByName(name string) (Colormap, bool) {
	switch name {
	case "viridis":
		return Viridis, true
	case "plasma":
		return Plasma, true
	case "inferno":
		return Inferno, true
	case "magma":
		return Magma, true
	case "categorical":
		return Categorical, true
	}
	return nil, false
}
