package framer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Format is the encoding of a requested output.
type Format int

const (
	FormatPNG Format = iota
	FormatJPEG
	FormatWebP
)

func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	case FormatWebP:
		return "webp"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	}
	return "image/png"
}

// ParseFormat accepts the format names and "jpg".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return 0, fmt.Errorf("invalid format: %q", s)
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// OutputSpec is one requested output rectangle. Width and Height are kept
// as entered and clamped by Size.
type OutputSpec struct {
	Width  int    `json:"width" toml:"width"`
	Height int    `json:"height" toml:"height"`
	Format Format `json:"format" toml:"format"`
}

func DefaultOutputSpec() OutputSpec {
	return OutputSpec{Width: 512, Height: 512, Format: FormatPNG}
}

// Size returns the clamped target size.
func (o OutputSpec) Size() Size {
	return ClampSize(o.Width, o.Height)
}

func (o OutputSpec) String() string {
	return fmt.Sprintf("%dx%d:%s", o.Width, o.Height, o.Format)
}

// ParseOutputSpec parses "WxH" or "WxH:format". The format defaults to png.
func ParseOutputSpec(s string) (OutputSpec, error) {
	spec := DefaultOutputSpec()
	dims, format, hasFormat := strings.Cut(strings.TrimSpace(s), ":")
	if hasFormat {
		f, err := ParseFormat(format)
		if err != nil {
			return OutputSpec{}, err
		}
		spec.Format = f
	}

	w, h, ok := strings.Cut(strings.ToLower(dims), "x")
	if !ok {
		return OutputSpec{}, fmt.Errorf("invalid output %q: want WxH[:format]", s)
	}
	var err error
	spec.Width, err = strconv.Atoi(w)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("invalid output %q: width: %w", s, err)
	}
	spec.Height, err = strconv.Atoi(h)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("invalid output %q: height: %w", s, err)
	}
	return spec, nil
}

// OutputPatch holds the fields to replace in an OutputSpec. Nil fields are
// left unchanged.
type OutputPatch struct {
	Width  *int
	Height *int
	Format *Format
}

// OutputSet is an ordered list of outputs with one active entry.
// The active index is defined only while the set is non-empty.
//
// The zero value is an empty set.
type OutputSet struct {
	entries []OutputSpec
	active  int
}

// NewOutputSet returns a set holding a single default output.
func NewOutputSet() *OutputSet {
	return NewOutputSetOf(DefaultOutputSpec())
}

func NewOutputSetOf(specs ...OutputSpec) *OutputSet {
	s := &OutputSet{}
	s.entries = append(s.entries, specs...)
	return s
}

func (s *OutputSet) Len() int {
	return len(s.entries)
}

func (s *OutputSet) Empty() bool {
	return len(s.entries) == 0
}

// Active returns the active index, or false when the set is empty.
func (s *OutputSet) Active() (int, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	return s.active, true
}

func (s *OutputSet) ActiveSpec() (OutputSpec, bool) {
	i, ok := s.Active()
	if !ok {
		return OutputSpec{}, false
	}
	return s.entries[i], true
}

func (s *OutputSet) At(i int) (OutputSpec, error) {
	if err := s.checkIndex("at", i); err != nil {
		return OutputSpec{}, err
	}
	return s.entries[i], nil
}

// Entries returns a copy of the outputs in order.
func (s *OutputSet) Entries() []OutputSpec {
	out := make([]OutputSpec, len(s.entries))
	copy(out, s.entries)
	return out
}

// Add appends a default output, makes it active and returns its index.
func (s *OutputSet) Add() int {
	i := len(s.entries)
	s.entries = append(s.entries, DefaultOutputSpec())
	s.active = i
	return i
}

func (s *OutputSet) Update(i int, p OutputPatch) error {
	if err := s.checkIndex("update", i); err != nil {
		return err
	}
	e := &s.entries[i]
	if p.Width != nil {
		e.Width = *p.Width
	}
	if p.Height != nil {
		e.Height = *p.Height
	}
	if p.Format != nil {
		e.Format = *p.Format
	}
	return nil
}

// Remove deletes entry i. The active index moves to the nearest valid
// position; removing the last entry leaves the set empty.
func (s *OutputSet) Remove(i int) error {
	if err := s.checkIndex("remove", i); err != nil {
		return err
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.active = max(0, min(s.active, len(s.entries)-1))
	return nil
}

func (s *OutputSet) SetActive(i int) error {
	if err := s.checkIndex("set active", i); err != nil {
		return err
	}
	s.active = i
	return nil
}

func (s *OutputSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Entries())
}

func (s *OutputSet) checkIndex(op string, i int) error {
	if i >= 0 && i < len(s.entries) {
		return nil
	}
	err := &IndexError{Op: op, Index: i, Len: len(s.entries)}
	if failFast {
		panic(err)
	}
	return err
}
