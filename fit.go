package framer

import (
	"fmt"
	"image"
	"strings"
)

const (
	// Smallest accepted target width or height.
	MinDimension = 1

	// Largest accepted target width or height.
	MaxDimension = 8000
)

// FitPolicy selects how the source is placed inside the target.
type FitPolicy int

const (
	// Width and height emphatically given, original aspect ratio ignored.
	FitStretch FitPolicy = iota

	// Minimum values of width and height given, aspect ratio preserved.
	// The image overflows the target and is cut to fit it exactly.
	FitCover

	// Maximum values of width and height given, aspect ratio preserved.
	// Empty bands remain where the aspect ratios differ.
	FitContain
)

func (p FitPolicy) String() string {
	switch p {
	case FitStretch:
		return "stretch"
	case FitCover:
		return "cover"
	case FitContain:
		return "contain"
	}
	return fmt.Sprintf("FitPolicy(%d)", int(p))
}

func ParseFitPolicy(s string) (FitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stretch":
		return FitStretch, nil
	case "cover":
		return FitCover, nil
	case "contain":
		return FitContain, nil
	}
	return 0, fmt.Errorf("invalid fit policy: %q", s)
}

func (p FitPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *FitPolicy) UnmarshalText(text []byte) error {
	v, err := ParseFitPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Size is a pixel size, used both for decoded sources and for targets.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Geometry describes where the full source image is drawn,
// relative to the target origin.
type Geometry struct {
	DrawWidth  int
	DrawHeight int
	OffsetX    int
	OffsetY    int
}

// Rect returns the destination rectangle of the source. It may extend
// beyond the target bounds for FitCover.
func (g Geometry) Rect() image.Rectangle {
	return image.Rect(g.OffsetX, g.OffsetY, g.OffsetX+g.DrawWidth, g.OffsetY+g.DrawHeight)
}

// ClampDimension limits v to [MinDimension, MaxDimension].
func ClampDimension(v int) int {
	if v < MinDimension {
		return MinDimension
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}

func ClampSize(width, height int) Size {
	return Size{Width: ClampDimension(width), Height: ClampDimension(height)}
}

// Compose computes where to draw a source of size src inside a target of
// size dst. The target must already be clamped and the source must have
// positive dimensions.
//
// Without maintainAspect the policy is ignored and the source is stretched
// over the whole target. Aspect ratios are compared by cross-multiplying, so
// a source whose aspect equals the target's takes the second branch of both
// cover and contain and fills the target exactly.
func Compose(src, dst Size, maintainAspect bool, policy FitPolicy) Geometry {
	full := Geometry{DrawWidth: dst.Width, DrawHeight: dst.Height}
	if !maintainAspect {
		return full
	}

	// src.Width/src.Height > dst.Width/dst.Height
	wider := src.Width*dst.Height > dst.Width*src.Height

	var g Geometry
	switch policy {
	case FitCover:
		// ceil so the scaled side never undershoots the target
		if wider {
			g.DrawHeight = dst.Height
			g.DrawWidth = ceilDiv(dst.Height*src.Width, src.Height)
			g.OffsetX = floorHalf(dst.Width - g.DrawWidth)
		} else {
			g.DrawWidth = dst.Width
			g.DrawHeight = ceilDiv(dst.Width*src.Height, src.Width)
			g.OffsetY = floorHalf(dst.Height - g.DrawHeight)
		}
	case FitContain:
		if wider {
			g.DrawWidth = dst.Width
			g.DrawHeight = dst.Width * src.Height / src.Width
			g.OffsetY = floorHalf(dst.Height - g.DrawHeight)
		} else {
			g.DrawHeight = dst.Height
			g.DrawWidth = dst.Height * src.Width / src.Height
			g.OffsetX = floorHalf(dst.Width - g.DrawWidth)
		}
	default:
		return full
	}
	return g
}

// ceilDiv is a/b rounded up, for positive a and b.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// floorHalf rounds n/2 toward negative infinity.
func floorHalf(n int) int {
	if n < 0 && n%2 != 0 {
		return n/2 - 1
	}
	return n / 2
}
