// Package render draws niche overlays and prototype heatmaps using
// fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/pkg/colormap"
)

const (
	margin      = 16.0
	legendWidth = 120.0
	swatchSize  = 12.0
	rowHeight   = 18.0
)

// Config contains renderer configuration.
type Config struct {
	Width     int
	Height    int
	PointSize float64
	// Heatmap names the colormap of prototype heatmaps.
	Heatmap string
}

// Renderer renders PNG images. It is safe for concurrent use.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	heat        colormap.Colormap
}

// NewRenderer creates a renderer. Zero sizes default to 1024x1024 and an
// unknown heatmap name falls back to viridis.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 1024
	}
	if cfg.PointSize <= 0 {
		cfg.PointSize = 1.5
	}
	heat, ok := colormap.ByName(cfg.Heatmap)
	if !ok {
		heat = colormap.Viridis
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		heat: heat,
	}
}

// Overlay is one slide's cells and their niche ids.
type Overlay struct {
	X        []float64
	Y        []float64
	NicheIDs []int
	K        int
	// PointSize overrides the renderer's dot radius when positive.
	PointSize float64
}

// RenderOverlay draws every cell as a dot coloured by niche, with equal axis
// scaling and a legend of niche swatches on the right.
func (r *Renderer) RenderOverlay(o *Overlay) ([]byte, error) {
	if len(o.X) != len(o.Y) || len(o.X) != len(o.NicheIDs) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "overlay columns differ in length").
			WithDetail("x", len(o.X)).
			WithDetail("y", len(o.Y)).
			WithDetail("niche_id", len(o.NicheIDs))
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	palette := colormap.Palette(o.K)
	radius := r.config.PointSize
	if o.PointSize > 0 {
		radius = o.PointSize
	}
	plotW := float64(r.config.Width) - legendWidth - 2*margin
	plotH := float64(r.config.Height) - 2*margin
	if len(o.X) > 0 && plotW > 0 && plotH > 0 {
		b := orb.Bound{Min: orb.Point{o.X[0], o.Y[0]}, Max: orb.Point{o.X[0], o.Y[0]}}
		for i := range o.X {
			b = b.Extend(orb.Point{o.X[i], o.Y[i]})
		}
		w, h := b.Right()-b.Left(), b.Top()-b.Bottom()
		scale := math.Min(plotW/math.Max(w, 1e-12), plotH/math.Max(h, 1e-12))
		if w == 0 && h == 0 {
			scale = 0
		}
		// centre the drawing in the plot area
		offX := margin + (plotW-w*scale)/2
		offY := margin + (plotH-h*scale)/2

		for i := range o.X {
			id := o.NicheIDs[i]
			if id < 0 {
				continue
			}
			px := offX + (o.X[i]-b.Left())*scale
			py := offY + (b.Top()-o.Y[i])*scale
			dc.SetColor(palette.AtIndex(id))
			dc.DrawCircle(px, py, radius)
			dc.Fill()
		}
	}

	r.drawLegend(dc, palette, o.K)
	return r.encodeContext(dc)
}

func (r *Renderer) drawLegend(dc *gg.Context, palette colormap.CategoricalColormap, k int) {
	x := float64(r.config.Width) - legendWidth
	y := margin
	dc.SetColor(color.Black)
	dc.DrawString("Niche IDs", x, y+swatchSize)
	for j := 0; j < k; j++ {
		y += rowHeight
		if y+swatchSize > float64(r.config.Height) {
			return
		}
		dc.SetColor(palette.AtIndex(j))
		dc.DrawRectangle(x, y, swatchSize, swatchSize)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawString(fmt.Sprintf("Niche %d", j), x+swatchSize+6, y+swatchSize-1)
	}
}

// RenderPrototypes draws a k by M heatmap of prototype vectors scaled to the
// largest entry.
func (r *Renderer) RenderPrototypes(centers mat.Matrix) ([]byte, error) {
	return r.RenderPrototypesWith(centers, "")
}

// RenderPrototypesWith is RenderPrototypes with a named colormap. An empty
// or unknown name uses the configured heatmap.
func (r *Renderer) RenderPrototypesWith(centers mat.Matrix, cmap string) ([]byte, error) {
	heat := r.heat
	if cm, ok := colormap.ByName(cmap); ok {
		heat = cm
	}
	k, m := centers.Dims()
	if k == 0 || m == 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "no prototypes to draw")
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	hi := mat.Max(centers)
	if hi <= 0 {
		hi = 1
	}
	cellW := float64(r.config.Width) / float64(m)
	cellH := float64(r.config.Height) / float64(k)
	for j := 0; j < k; j++ {
		for c := 0; c < m; c++ {
			dc.SetColor(heat.At(centers.At(j, c) / hi))
			dc.DrawRectangle(float64(c)*cellW, float64(j)*cellH, cellW, cellH)
			dc.Fill()
		}
	}
	return r.encodeContext(dc)
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// buffer is reused
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
