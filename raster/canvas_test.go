package raster

import (
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szxp/framer"
)

var red = color.NRGBA{R: 220, G: 20, B: 20, A: 255}

func alphaAt(c *Canvas, x, y int) uint8 {
	return c.Image().NRGBAAt(x, y).A
}

func TestCanvasContainLeavesBands(t *testing.T) {
	src := imaging.New(100, 50, red)
	c := NewCanvas(50, 50)
	c.Clear()

	g := framer.Compose(framer.Size{Width: 100, Height: 50}, framer.Size{Width: 50, Height: 50}, true, framer.FitContain)
	require.Equal(t, framer.Geometry{DrawWidth: 50, DrawHeight: 25, OffsetY: 12}, g)
	c.Draw(src, g)

	assert.Equal(t, uint8(0), alphaAt(c, 25, 2))
	assert.Equal(t, uint8(0), alphaAt(c, 25, 47))
	px := c.Image().NRGBAAt(25, 25)
	assert.Equal(t, uint8(255), px.A)
	assert.Greater(t, px.R, uint8(200))
}

func TestCanvasCoverFillsEverything(t *testing.T) {
	src := imaging.New(100, 50, red)
	c := NewCanvas(50, 50)
	c.Clear()
	c.Draw(src, framer.Compose(framer.Size{Width: 100, Height: 50}, framer.Size{Width: 50, Height: 50}, true, framer.FitCover))

	b := c.Image().Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if alphaAt(c, x, y) != 255 {
				t.Fatalf("pixel %d,%d is not covered", x, y)
			}
		}
	}
}

func TestCanvasClearBackground(t *testing.T) {
	c := &Canvas{Background: color.White}
	c.Resize(3, 2)
	c.Draw(imaging.New(1, 1, red), framer.Geometry{DrawWidth: 3, DrawHeight: 2})
	c.Clear()
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c.Image().NRGBAAt(1, 1))
}

func TestCanvasResize(t *testing.T) {
	c := NewCanvas(4, 4)
	img := c.Image()

	c.Resize(4, 4)
	assert.Same(t, img, c.Image())

	c.Resize(5, 4)
	assert.NotSame(t, img, c.Image())
	assert.Equal(t, 5, c.Image().Bounds().Dx())
}

func TestCanvasDrawSkipsEmptyGeometry(t *testing.T) {
	c := NewCanvas(2, 2)
	c.Clear()
	c.Draw(imaging.New(1, 1, red), framer.Geometry{DrawWidth: 0, DrawHeight: 2})
	assert.Equal(t, uint8(0), alphaAt(c, 0, 0))

	var empty Canvas
	empty.Clear()
	empty.Draw(imaging.New(1, 1, red), framer.Geometry{DrawWidth: 1, DrawHeight: 1})
	assert.Nil(t, empty.Image())
}
