package framer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Surface is the fixed-size buffer previews are drawn into.
type Surface interface {
	Resize(width, height int)
	Clear()
	Draw(src image.Image, g Geometry)
}

type PreviewerConfig struct {
	Surface        Surface
	Outputs        *OutputSet
	MaintainAspect bool
	Policy         FitPolicy

	// Decode defaults to DecodeImage.
	Decode func(io.Reader) (image.Image, error)
	Logger hclog.Logger
}

// Frame is what the last refresh drew.
type Frame struct {
	Size     Size
	Geometry Geometry
}

// Previewer keeps the selected source, the output set and the fit settings,
// and redraws the active output whenever one of them changes.
type Previewer struct {
	conf PreviewerConfig

	mu             sync.Mutex
	outputs        *OutputSet
	maintainAspect bool
	policy         FitPolicy

	source *Source
	gen    uint64
	img    image.Image
	dims   Size

	frame    Frame
	hasFrame bool
}

func NewPreviewer(conf PreviewerConfig) *Previewer {
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	if conf.Decode == nil {
		conf.Decode = DecodeImage
	}
	if conf.Outputs == nil {
		conf.Outputs = NewOutputSet()
	}

	return &Previewer{
		conf:           conf,
		outputs:        conf.Outputs,
		maintainAspect: conf.MaintainAspect,
		policy:         conf.Policy,
	}
}

// SelectFile replaces the current source with the file at path and starts
// decoding it. The previous source is released. The returned channel
// receives the decode result once and is then closed; a decode overtaken by
// a later selection delivers nil and changes nothing.
func (p *Previewer) SelectFile(path string) (<-chan error, error) {
	src, err := OpenSource(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.replaceSourceLocked(src)
	gen := p.gen
	p.mu.Unlock()

	p.conf.Logger.Debug("Source selected", "name", src.Name(), "generation", gen)

	done := make(chan error, 1)
	go func() {
		defer close(done)
		img, err := p.conf.Decode(src.Reader())
		done <- p.decodeComplete(gen, src, img, err)
	}()
	return done, nil
}

func (p *Previewer) replaceSourceLocked(src *Source) {
	if p.source != nil {
		if err := p.source.Release(); err != nil {
			p.conf.Logger.Warn("Failed to release source", "name", p.source.Name(), "error", err)
		}
	}
	p.source = src
	p.gen++
	p.img = nil
	p.dims = Size{}
	p.hasFrame = false
}

func (p *Previewer) decodeComplete(gen uint64, src *Source, img image.Image, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen || p.source != src {
		p.conf.Logger.Debug("Discard superseded decode", "name", src.Name(), "generation", gen)
		return nil
	}
	if err != nil {
		p.conf.Logger.Error("Failed to decode source", "name", src.Name(), "error", err)
		return err
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		p.conf.Logger.Error("Empty source image", "name", src.Name())
		return ErrUnsupportedImage
	}
	p.img = img
	p.dims = Size{Width: b.Dx(), Height: b.Dy()}
	p.conf.Logger.Debug("Source decoded", "name", src.Name(), "size", p.dims)
	p.refreshLocked()
	return nil
}

// Refresh redraws the active output. It reports false when there is
// nothing to draw: no decoded source or no outputs.
func (p *Previewer) Refresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked()
}

func (p *Previewer) refreshLocked() bool {
	if p.img == nil || p.conf.Surface == nil {
		return false
	}
	spec, ok := p.outputs.ActiveSpec()
	if !ok {
		return false
	}

	size := spec.Size()
	g := Compose(p.dims, size, p.maintainAspect, p.policy)

	s := p.conf.Surface
	s.Resize(size.Width, size.Height)
	s.Clear()
	s.Draw(p.img, g)

	p.frame = Frame{Size: size, Geometry: g}
	p.hasFrame = true
	p.conf.Logger.Trace("Refresh", "size", size, "geometry", g)
	return true
}

func (p *Previewer) AddOutput() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.outputs.Add()
	p.refreshLocked()
	return i
}

func (p *Previewer) UpdateOutput(i int, patch OutputPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outputs.Update(i, patch); err != nil {
		return err
	}
	p.refreshLocked()
	return nil
}

// RemoveOutput removes output i. The last remaining output cannot be removed.
func (p *Previewer) RemoveOutput(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outputs.Len() <= 1 {
		return ErrLastOutput
	}
	if err := p.outputs.Remove(i); err != nil {
		return err
	}
	p.refreshLocked()
	return nil
}

func (p *Previewer) SetActive(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outputs.SetActive(i); err != nil {
		return err
	}
	p.refreshLocked()
	return nil
}

func (p *Previewer) SetMaintainAspect(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maintainAspect = v
	p.refreshLocked()
}

func (p *Previewer) SetPolicy(policy FitPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
	p.refreshLocked()
}

func (p *Previewer) Outputs() []OutputSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs.Entries()
}

func (p *Previewer) Active() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs.Active()
}

// Dimensions returns the decoded source size, or false while nothing is decoded.
func (p *Previewer) Dimensions() (Size, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims, p.img != nil
}

func (p *Previewer) LastFrame() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.hasFrame
}

// Generate sends the source and the whole output set to the resize service.
func (p *Previewer) Generate(ctx context.Context, c *Client) (*Result, error) {
	req, err := p.resizeRequest()
	if err != nil {
		return nil, err
	}
	return c.Resize(ctx, req)
}

// resizeRequest snapshots the current state. The source bytes are read
// while locked, so a later SelectFile or Close cannot close the file under
// the request.
func (p *Previewer) resizeRequest() (ResizeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return ResizeRequest{}, ErrNoSource
	}
	if p.outputs.Empty() {
		return ResizeRequest{}, ErrNoOutputs
	}
	data, err := io.ReadAll(p.source.Reader())
	if err != nil {
		return ResizeRequest{}, fmt.Errorf("failed to read source: %w", err)
	}
	return ResizeRequest{
		Filename:       p.source.Name(),
		Image:          bytes.NewReader(data),
		Outputs:        p.outputs.Entries(),
		MaintainAspect: p.maintainAspect,
		Policy:         p.policy,
	}, nil
}

// Close releases the current source. Pending decodes are discarded.
func (p *Previewer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return nil
	}
	err := p.source.Release()
	p.source = nil
	p.gen++
	p.img = nil
	p.dims = Size{}
	p.hasFrame = false
	return err
}
