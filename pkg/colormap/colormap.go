// Package colormap provides the color schemes of niche overlays and
// prototype heatmaps.
package colormap

import (
	"image/color"
	"math"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// rgb unpacks 0xRRGGBB.
func rgb(hex uint32) color.RGBA {
	return color.RGBA{R: uint8(hex >> 16), G: uint8(hex >> 8), B: uint8(hex), A: 255}
}

func stops(hexes ...uint32) []color.RGBA {
	out := make([]color.RGBA, len(hexes))
	for i, h := range hexes {
		out[i] = rgb(h)
	}
	return out
}

// LinearColormap interpolates between evenly spaced stops.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at t, clamped to [0, 1]. NaN maps to the first stop.
func (c LinearColormap) At(t float64) color.Color {
	last := len(c.colors) - 1
	if !(t > 0) {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[last]
	}
	pos := t * float64(last)
	lo := int(pos)
	return lerp(c.colors[lo], c.colors[lo+1], pos-float64(lo))
}

// AtIndex returns the i-th stop (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	n := len(c.colors)
	return c.colors[((i%n)+n)%n]
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + t*(float64(y)-float64(x)))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Viridis is matplotlib's viridis, sampled at 11 stops.
var Viridis = LinearColormap{colors: stops(
	0x440154, 0x482374, 0x404387, 0x345e8d, 0x29788e, 0x20908c,
	0x22a784, 0x44be70, 0x79d151, 0xbdde26, 0xfde725,
)}

// Magma is matplotlib's magma, sampled at 9 stops.
var Magma = LinearColormap{colors: stops(
	0x000004, 0x1c1044, 0x4f127b, 0x812581, 0xb5367a,
	0xe55064, 0xfb8761, 0xfec287, 0xfcfdbf,
)}

// CategoricalColormap assigns one distinct color per category index.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns the category color of the bin containing t.
func (c CategoricalColormap) At(t float64) color.Color {
	i := int(t * float64(len(c.colors)))
	if i >= len(c.colors) {
		i = len(c.colors) - 1
	}
	if i < 0 {
		i = 0
	}
	return c.colors[i]
}

// AtIndex returns the color of category i. Negative indices wrap from the end.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	n := len(c.colors)
	return c.colors[((i%n)+n)%n]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Categorical is matplotlib's tab20 with the ten saturated tab10 colors
// first, so small k gets the strongest contrast.
var Categorical = CategoricalColormap{colors: stops(
	0x1f77b4, 0xff7f0e, 0x2ca02c, 0xd62728, 0x9467bd,
	0x8c564b, 0xe377c2, 0x7f7f7f, 0xbcbd22, 0x17becf,
	0xaec7e8, 0xffbb78, 0x98df8a, 0xff9896, 0xc5b0d5,
	0xc49c94, 0xf7b6d2, 0xc7c7c7, 0xdbdb8d, 0x9edae5,
)}

// Palette returns k distinct colors. Up to Categorical.Len() it is
// Categorical; beyond that the extra colors step around the hue wheel by
// the golden angle.
func Palette(k int) CategoricalColormap {
	if k <= Categorical.Len() {
		return Categorical
	}
	colors := make([]color.RGBA, k)
	copy(colors, Categorical.colors)
	const golden = 0.381966
	h := 0.0
	for i := Categorical.Len(); i < k; i++ {
		h = math.Mod(h+golden, 1)
		// alternate lightness so neighbours on the wheel stay apart
		v := 0.85
		if i%2 == 1 {
			v = 0.6
		}
		colors[i] = hsv(h, 0.65, v)
	}
	return CategoricalColormap{colors: colors}
}

func hsv(h, s, v float64) color.RGBA {
	h6 := h * 6
	sector := int(h6) % 6
	f := h6 - math.Floor(h6)
	p, q, t := v*(1-s), v*(1-s*f), v*(1-s*(1-f))
	var r, g, b float64
	switch sector {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.RGBA{R: uint8(math.Round(r * 255)), G: uint8(math.Round(g * 255)), B: uint8(math.Round(b * 255)), A: 255}
}

var named = map[string]Colormap{
	"viridis":     Viridis,
	"magma":       Magma,
	"categorical": Categorical,
}

// ByName returns a colormap by its lower-case name.
func ByName(name string) (Colormap, bool) {
	c, ok := named[name]
	return c, ok
}
