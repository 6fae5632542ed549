package raster

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"

	"github.com/szxp/framer"
)

// ImageResizer renders outputs in process.
type ImageResizer struct {
	// Background fills the bands contain leaves. Transparent by default;
	// jpeg outputs use white instead of a transparent background.
	Background color.Color
}

var _ framer.ImageResizer = (*ImageResizer)(nil)

func (r *ImageResizer) Resize(ctx context.Context, dst io.Writer, src []byte, opts framer.ResizeOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := framer.DecodeImage(bytes.NewReader(src))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := r.Render(img, opts)
	return Encode(dst, out, opts.Output.Format, opts.Quality)
}

// Render draws img into a new image the size of the clamped output.
func (r *ImageResizer) Render(img image.Image, opts framer.ResizeOptions) *image.NRGBA {
	b := img.Bounds()
	size := opts.Output.Size()

	c := &Canvas{Background: r.background(opts.Output.Format)}
	c.Resize(size.Width, size.Height)
	c.Clear()
	c.Draw(img, opts.Geometry(framer.Size{Width: b.Dx(), Height: b.Dy()}))
	return c.Image()
}

func (r *ImageResizer) background(f framer.Format) color.Color {
	bg := r.Background
	if bg == nil {
		bg = color.Transparent
	}
	if f == framer.FormatJPEG {
		if _, _, _, a := bg.RGBA(); a == 0 {
			return color.White
		}
	}
	return bg
}
