// Package quicklook renders classified scenes as small PNG previews.
package quicklook

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lox/floodbayes/internal/flood"
)

var (
	FloodColor    = color.RGBA{31, 98, 196, 255}
	NonFloodColor = color.RGBA{236, 228, 204, 255}
	MissingColor  = color.RGBA{128, 128, 128, 255}

	background = color.RGBA{24, 24, 32, 255}
	textColor  = color.RGBA{230, 230, 230, 255}
)

const (
	legendHeight = 36
	swatchSize   = 10
	defaultScale = 4

	// MaxPixels bounds the rendered image.
	MaxPixels = 1 << 26
)

// Options controls rendering. Scale is the pixel upscaling factor.
type Options struct {
	Scale int
	Title string
}

// fitScale lowers the upscaling factor until the preview fits in MaxPixels.
func fitScale(width, height, scale int) int {
	if scale < 1 {
		scale = defaultScale
	}
	for scale > 1 && width*height > MaxPixels/(scale*scale) {
		scale--
	}
	return scale
}

func decisionColor(d flood.Decision) color.RGBA {
	switch d {
	case flood.Flood:
		return FloodColor
	case flood.NonFlood:
		return NonFloodColor
	default:
		return MissingColor
	}
}

// Image draws the decision raster, upscaled with nearest neighbour, above a
// legend with per-class counts.
func Image(width, height int, ds []flood.Decision, opts Options) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty raster %dx%d", width, height)
	}
	if width > MaxPixels/height {
		return nil, fmt.Errorf("raster %dx%d exceeds %d pixels", width, height, MaxPixels)
	}
	if len(ds) != width*height {
		return nil, fmt.Errorf("raster has %d decisions, want %d", len(ds), width*height)
	}
	scale := fitScale(width, height, opts.Scale)

	src := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, d := range ds {
		src.SetRGBA(i%width, i/width, decisionColor(d))
	}

	mapW, mapH := width*scale, height*scale
	dst := image.NewRGBA(image.Rect(0, 0, max(mapW, 240), mapH+legendHeight))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.NearestNeighbor.Scale(dst, image.Rect(0, 0, mapW, mapH), src, src.Bounds(), draw.Src, nil)

	drawLegend(dst, mapH, flood.CountDecisions(ds), opts.Title)
	return dst, nil
}

// Render encodes the preview as PNG.
func Render(width, height int, ds []flood.Decision, opts Options) ([]byte, error) {
	img, err := Image(width, height, ds, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode quicklook: %w", err)
	}
	return buf.Bytes(), nil
}

func drawLegend(img *image.RGBA, top int, counts flood.Counts, title string) {
	face := basicfont.Face7x13
	x := 4
	y := top + 14

	if title != "" {
		drawText(img, title, x, y, textColor, face)
	}
	y += 16

	entries := []struct {
		label string
		n     int
		c     color.RGBA
	}{
		{"flood", counts.Flood, FloodColor},
		{"dry", counts.NonFlood, NonFloodColor},
		{"n/a", counts.Missing, MissingColor},
	}
	for _, e := range entries {
		sw := image.Rect(x, y-swatchSize, x+swatchSize, y)
		draw.Draw(img, sw, image.NewUniform(e.c), image.Point{}, draw.Src)
		x += swatchSize + 3
		label := fmt.Sprintf("%s %d", e.label, e.n)
		drawText(img, label, x, y, textColor, face)
		x += font.MeasureString(face, label).Ceil() + 8
	}
}

// drawText draws text with its baseline at y.
func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
