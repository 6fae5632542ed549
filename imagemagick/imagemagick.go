package imagemagick

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/szxp/framer"
)

const DefaultBinary = "convert"

// ImageResizer renders outputs with ImageMagick. The source is piped through
// stdin and the result read from stdout.
type ImageResizer struct {
	// Binary defaults to DefaultBinary.
	Binary string
}

var _ framer.ImageResizer = (*ImageResizer)(nil)

func (r *ImageResizer) Resize(ctx context.Context, dst io.Writer, src []byte, opts framer.ResizeOptions) error {
	size, err := framer.DecodeSize(bytes.NewReader(src))
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary(), Args(size, opts)...)
	cmd.Stdin = bytes.NewReader(src)
	cmd.Stdout = dst
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to resize: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Args builds the convert arguments that draw a source of size src at the
// geometry framer.Compose gives for opts.
func Args(src framer.Size, opts framer.ResizeOptions) []string {
	target := opts.Output.Size()
	g := opts.Geometry(src)

	background := "none"
	if opts.Output.Format == framer.FormatJPEG {
		background = "white"
	}

	args := []string{
		// use only the first frame
		"-[0]",

		// exact draw size, aspect ratio already handled by the geometry
		"-resize", fmt.Sprintf("%dx%d!", g.DrawWidth, g.DrawHeight),

		// place the resized image on the target canvas, cropping any overflow
		"-background", background,
		"-gravity", "NorthWest",
		"-extent", fmt.Sprintf("%dx%d%+d%+d", target.Width, target.Height, -g.OffsetX, -g.OffsetY),
		"+repage",

		"-strip",
	}
	if opts.Quality > 0 {
		args = append(args, "-quality", strconv.Itoa(opts.Quality))
	}

	return append(args, opts.Output.Format.String()+":-")
}

func (r *ImageResizer) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func Version(binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	ver, err := exec.Command(binary, "-version").Output()
	if err != nil {
		return "", err
	}
	return string(ver), nil
}
