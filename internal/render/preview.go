// Package render draws PNG previews of finished mosaic levels using
// fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/seal-mosaic/server/internal/pyramid"
	"github.com/seal-mosaic/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// MaxSize bounds the longer side of a preview; larger levels are
	// scaled down.
	MaxSize  int
	Colormap string
	// Channel is the intensity channel drawn in intensity previews.
	Channel int
}

// Renderer renders level buffers into PNG previews.
type Renderer struct {
	config     Config
	cmap       colormap.Colormap
	labels     colormap.LabelPalette
	bufferPool sync.Pool
}

// NewRenderer creates a new preview renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	cmap, ok := colormap.ByName(cfg.Colormap)
	if !ok {
		cmap = colormap.Viridis
	}
	return &Renderer{
		config: cfg,
		cmap:   cmap,
		labels: colormap.DefaultLabels,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// RenderLabels colors each label with the label palette over a white
// background.
func (r *Renderer) RenderLabels(labels []uint32, shape pyramid.Shape) ([]byte, error) {
	if len(labels) != shape.Pixels() {
		return nil, fmt.Errorf("label buffer has %d pixels, expected %d", len(labels), shape.Pixels())
	}
	img := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	for i, v := range labels {
		if v == 0 {
			continue
		}
		c := r.labels.Label(v)
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = c.R, c.G, c.B, c.A
	}
	return r.compose(img)
}

// RenderIntensity draws one channel of an intensity buffer through the
// configured colormap, stretched between the channel's nonzero minimum and
// its maximum. Zero pixels stay background.
func (r *Renderer) RenderIntensity(intensity []uint16, channels int, shape pyramid.Shape) ([]byte, error) {
	pixels := shape.Pixels()
	if channels <= 0 || len(intensity) != channels*pixels {
		return nil, fmt.Errorf("intensity buffer has %d values, expected %d channels of %d pixels", len(intensity), channels, pixels)
	}
	ch := r.config.Channel
	if ch < 0 || ch >= channels {
		ch = 0
	}
	plane := intensity[ch*pixels : (ch+1)*pixels]

	lo, hi := uint16(0xFFFF), uint16(0)
	for _, v := range plane {
		if v == 0 {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := float64(hi) - float64(lo)
	if span <= 0 {
		span = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	for i, v := range plane {
		if v == 0 {
			continue
		}
		c := color.RGBAModel.Convert(r.cmap.At((float64(v) - float64(lo)) / span)).(color.RGBA)
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = c.R, c.G, c.B, 255
	}
	return r.compose(img)
}

// PreviewSize returns the preview dimensions for a level shape.
func (r *Renderer) PreviewSize(shape pyramid.Shape) (int, int, float64) {
	scale := 1.0
	if m := shape.Max(); m > r.config.MaxSize {
		scale = float64(r.config.MaxSize) / float64(m)
	}
	w := max(1, int(float64(shape.Width)*scale))
	h := max(1, int(float64(shape.Height)*scale))
	return w, h, scale
}

// compose draws img over a white canvas, scaled to fit MaxSize.
func (r *Renderer) compose(img *image.RGBA) ([]byte, error) {
	shape := pyramid.Shape{Height: img.Bounds().Dy(), Width: img.Bounds().Dx()}
	w, h, scale := r.PreviewSize(shape)

	dc := gg.NewContext(w, h)
	dc.SetColor(color.White)
	dc.Clear()
	if scale == 1 {
		dc.DrawImage(img, 0, 0)
	} else {
		dc.Scale(scale, scale)
		dc.DrawImage(img, 0, 0)
		dc.Identity()
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

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
