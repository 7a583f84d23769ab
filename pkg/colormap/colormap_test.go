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

	c1, ok := Viridis.At(1.5).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1.5")
	}
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1.5): %#v", c1)
	}
}

func TestCategoricalWraps(t *testing.T) {
	t.Parallel()

	if Categorical.AtIndex(0) != Categorical.AtIndex(Categorical.Len()) {
		t.Fatalf("expected index %d to wrap to 0", Categorical.Len())
	}
	if Categorical.AtIndex(-1) != Categorical.AtIndex(Categorical.Len()-1) {
		t.Fatalf("expected -1 to wrap to the last color")
	}
	if Categorical.AtIndex(0) == Categorical.AtIndex(1) {
		t.Fatalf("adjacent niches share a color")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	if _, ok := ByName("viridis"); !ok {
		t.Fatalf("viridis not registered")
	}
	if _, ok := ByName("seurat"); ok {
		t.Fatalf("unexpected colormap seurat")
	}
}

func TestPaletteExtendsCategorical(t *testing.T) {
	t.Parallel()

	if p := Palette(5); p.Len() != Categorical.Len() {
		t.Fatalf("small k should reuse Categorical, got %d colors", p.Len())
	}
	p := Palette(30)
	if p.Len() != 30 {
		t.Fatalf("expected 30 colors, got %d", p.Len())
	}
	if p.AtIndex(3) != Categorical.AtIndex(3) {
		t.Fatalf("first colors must match Categorical")
	}
	seen := make(map[color.Color]bool)
	for i := 0; i < p.Len(); i++ {
		seen[p.AtIndex(i)] = true
	}
	if len(seen) != 30 {
		t.Fatalf("expected 30 distinct colors, got %d", len(seen))
	}
}

func TestLinearNaN(t *testing.T) {
	t.Parallel()

	if Magma.At(math.NaN()) != Magma.At(0) {
		t.Fatalf("NaN should map to the first stop")
	}
}
