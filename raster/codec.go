package raster

import (
	"fmt"
	"image"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/szxp/framer"
)

const DefaultQuality = 90

// Encode writes img in format f. quality applies to jpeg and webp; values
// outside 1-100 select DefaultQuality.
func Encode(w io.Writer, img image.Image, f framer.Format, quality int) error {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}

	switch f {
	case framer.FormatPNG:
		return imaging.Encode(w, img, imaging.PNG)
	case framer.FormatJPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case framer.FormatWebP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	}
	return fmt.Errorf("unsupported format: %v", f)
}
