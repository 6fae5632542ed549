package framer

import (
	"context"
	"io"
)

// ResizeOptions describes one rendered output.
type ResizeOptions struct {
	Output         OutputSpec
	MaintainAspect bool
	Policy         FitPolicy

	// Encoder quality for jpeg and webp, 1-100. Zero selects the backend default.
	Quality int
}

// Geometry returns the placement of a source of size src in the clamped output.
func (o ResizeOptions) Geometry(src Size) Geometry {
	return Compose(src, o.Output.Size(), o.MaintainAspect, o.Policy)
}

// ImageResizer renders src, an encoded image, into dst as described by opts.
type ImageResizer interface {
	Resize(ctx context.Context, dst io.Writer, src []byte, opts ResizeOptions) error
}
