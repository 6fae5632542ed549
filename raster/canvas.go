// Package raster draws and encodes images in pure Go.
package raster

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/szxp/framer"
)

// Canvas is an in-memory framer.Surface.
type Canvas struct {
	// Background is used by Clear. Defaults to transparent.
	Background color.Color

	// Interpolator scales sources. Defaults to xdraw.ApproxBiLinear, which
	// only visits destination pixels inside the canvas.
	Interpolator xdraw.Interpolator

	img *image.NRGBA
}

var _ framer.Surface = (*Canvas)(nil)

func NewCanvas(width, height int) *Canvas {
	c := &Canvas{}
	c.Resize(width, height)
	return c
}

// Resize reallocates the canvas if the size changed. The content is
// undefined until the next Clear.
func (c *Canvas) Resize(width, height int) {
	if c.img != nil && c.img.Bounds().Dx() == width && c.img.Bounds().Dy() == height {
		return
	}
	c.img = imaging.New(width, height, c.background())
}

func (c *Canvas) Clear() {
	if c.img == nil {
		return
	}
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(c.background()), image.Point{}, draw.Src)
}

// Draw scales all of src into g's rectangle. Parts outside the canvas are clipped.
func (c *Canvas) Draw(src image.Image, g framer.Geometry) {
	if c.img == nil || g.DrawWidth <= 0 || g.DrawHeight <= 0 {
		return
	}
	c.interpolator().Scale(c.img, g.Rect(), src, src.Bounds(), xdraw.Over, nil)
}

func (c *Canvas) Image() *image.NRGBA {
	return c.img
}

func (c *Canvas) background() color.Color {
	if c.Background == nil {
		return color.Transparent
	}
	return c.Background
}

func (c *Canvas) interpolator() xdraw.Interpolator {
	if c.Interpolator == nil {
		return xdraw.ApproxBiLinear
	}
	return c.Interpolator
}
