package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	c1 := Viridis.At(1).(color.RGBA)
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}

	if Viridis.At(math.NaN()) != c0 {
		t.Fatalf("expected NaN to map to the first stop")
	}
}

func TestLinearColormapInterpolates(t *testing.T) {
	t.Parallel()

	lo := Viridis.At(0).(color.RGBA)
	hi := Viridis.At(0.1).(color.RGBA)
	mid := Viridis.At(0.05).(color.RGBA)
	// Halfway between the first two stops lands between them on every
	// channel that differs.
	if !(mid.G > lo.G && mid.G < hi.G) {
		t.Fatalf("expected interpolated green between %d and %d, got %d", lo.G, hi.G, mid.G)
	}
	if mid.A != 255 {
		t.Fatalf("expected opaque color, got %#v", mid)
	}
}

func TestLabelPalette(t *testing.T) {
	t.Parallel()

	if c := DefaultLabels.Label(0); c.A != 0 {
		t.Fatalf("expected label 0 to be transparent, got %#v", c)
	}
	a := DefaultLabels.Label(1)
	b := DefaultLabels.Label(2)
	if a == b {
		t.Fatalf("expected adjacent labels to differ, both %#v", a)
	}
	if a != DefaultLabels.Label(1) {
		t.Fatalf("expected label colors to be stable")
	}
	if a.A != 255 {
		t.Fatalf("expected opaque label color, got %#v", a)
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"viridis", "plasma", "inferno", "magma", "categorical"} {
		if _, ok := ByName(name); !ok {
			t.Fatalf("expected colormap %q", name)
		}
	}
	if _, ok := ByName("rainbow"); ok {
		t.Fatalf("expected unknown colormap to be missing")
	}
}
