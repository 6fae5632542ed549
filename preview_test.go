package framer

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type surfaceCall struct {
	op       string
	size     Size
	geometry Geometry
}

type recordingSurface struct {
	mu    sync.Mutex
	calls []surfaceCall
}

func (s *recordingSurface) Resize(width, height int) {
	s.record(surfaceCall{op: "resize", size: Size{width, height}})
}

func (s *recordingSurface) Clear() {
	s.record(surfaceCall{op: "clear"})
}

func (s *recordingSurface) Draw(src image.Image, g Geometry) {
	b := src.Bounds()
	s.record(surfaceCall{op: "draw", size: Size{b.Dx(), b.Dy()}, geometry: g})
}

func (s *recordingSurface) record(c surfaceCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *recordingSurface) take() []surfaceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.calls
	s.calls = nil
	return calls
}

func waitDecode(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("decode did not complete")
		return nil
	}
}

func newTestPreviewer(t *testing.T, surface Surface) (*Previewer, string) {
	t.Helper()
	p := NewPreviewer(PreviewerConfig{
		Surface:        surface,
		MaintainAspect: true,
		Policy:         FitCover,
	})
	t.Cleanup(func() { p.Close() })
	return p, t.TempDir()
}

func TestPreviewerRefreshOnDecode(t *testing.T) {
	surface := &recordingSurface{}
	p, dir := newTestPreviewer(t, surface)

	assert.False(t, p.Refresh())

	done, err := p.SelectFile(writeTestImage(t, dir, "wide.png", 1000, 500))
	require.NoError(t, err)
	require.NoError(t, waitDecode(t, done))

	dims, ok := p.Dimensions()
	require.True(t, ok)
	assert.Equal(t, Size{1000, 500}, dims)

	want := []surfaceCall{
		{op: "resize", size: Size{512, 512}},
		{op: "clear"},
		{op: "draw", size: Size{1000, 500}, geometry: Geometry{DrawWidth: 1024, DrawHeight: 512, OffsetX: -256}},
	}
	assert.Equal(t, want, surface.take())

	frame, ok := p.LastFrame()
	require.True(t, ok)
	assert.Equal(t, Frame{Size: Size{512, 512}, Geometry: want[2].geometry}, frame)

	// unchanged inputs draw the same thing again
	assert.True(t, p.Refresh())
	assert.Equal(t, want, surface.take())
}

func TestPreviewerRefreshOnChange(t *testing.T) {
	surface := &recordingSurface{}
	p, dir := newTestPreviewer(t, surface)

	done, err := p.SelectFile(writeTestImage(t, dir, "wide.png", 1000, 500))
	require.NoError(t, err)
	require.NoError(t, waitDecode(t, done))
	surface.take()

	lastDraw := func() surfaceCall {
		calls := surface.take()
		require.Len(t, calls, 3)
		assert.Equal(t, "resize", calls[0].op)
		assert.Equal(t, "clear", calls[1].op)
		assert.Equal(t, "draw", calls[2].op)
		return calls[2]
	}

	p.SetPolicy(FitContain)
	assert.Equal(t, Geometry{DrawWidth: 512, DrawHeight: 256, OffsetY: 128}, lastDraw().geometry)

	p.SetMaintainAspect(false)
	assert.Equal(t, Geometry{DrawWidth: 512, DrawHeight: 512}, lastDraw().geometry)

	require.NoError(t, p.UpdateOutput(0, OutputPatch{Width: intp(0), Height: intp(9000)}))
	calls := surface.take()
	require.Len(t, calls, 3)
	assert.Equal(t, Size{1, 8000}, calls[0].size)

	i := p.AddOutput()
	assert.Equal(t, 1, i)
	active, ok := p.Active()
	assert.True(t, ok)
	assert.Equal(t, 1, active)
	assert.Equal(t, Geometry{DrawWidth: 512, DrawHeight: 512}, lastDraw().geometry)

	require.NoError(t, p.SetActive(0))
	assert.Equal(t, Geometry{DrawWidth: 1, DrawHeight: 8000}, lastDraw().geometry)

	require.NoError(t, p.RemoveOutput(0))
	assert.Equal(t, Geometry{DrawWidth: 512, DrawHeight: 512}, lastDraw().geometry)
	assert.Len(t, p.Outputs(), 1)
}

func TestPreviewerRemoveLastOutput(t *testing.T) {
	p, _ := newTestPreviewer(t, &recordingSurface{})

	assert.ErrorIs(t, p.RemoveOutput(0), ErrLastOutput)
	assert.Len(t, p.Outputs(), 1)

	p.AddOutput()
	assert.NoError(t, p.RemoveOutput(1))
	assert.Len(t, p.Outputs(), 1)
}

func TestPreviewerNoDrawWithoutImage(t *testing.T) {
	surface := &recordingSurface{}
	p, _ := newTestPreviewer(t, surface)

	p.AddOutput()
	p.SetPolicy(FitContain)
	assert.Empty(t, surface.take())
	_, ok := p.LastFrame()
	assert.False(t, ok)
}

func TestPreviewerDiscardsSupersededDecode(t *testing.T) {
	release := make(chan struct{})
	surface := &recordingSurface{}
	p := NewPreviewer(PreviewerConfig{
		Surface:        surface,
		MaintainAspect: true,
		Policy:         FitContain,
		Decode: func(r io.Reader) (image.Image, error) {
			img, err := DecodeImage(r)
			if err == nil && img.Bounds().Dx() == 10 {
				// hold the first file until the second selection replaced it
				<-release
			}
			return img, err
		},
	})
	defer p.Close()

	dir := t.TempDir()
	first, err := p.SelectFile(writeTestImage(t, dir, "first.png", 10, 10))
	require.NoError(t, err)
	p.mu.Lock()
	firstSource := p.source
	p.mu.Unlock()

	second, err := p.SelectFile(writeTestImage(t, dir, "second.png", 300, 100))
	require.NoError(t, err)
	require.NoError(t, waitDecode(t, second))
	assert.True(t, firstSource.Released())

	close(release)
	assert.NoError(t, waitDecode(t, first))

	dims, ok := p.Dimensions()
	require.True(t, ok)
	assert.Equal(t, Size{300, 100}, dims)

	for _, c := range surface.take() {
		if c.op == "draw" {
			assert.Equal(t, Size{300, 100}, c.size)
		}
	}
}

func TestPreviewerDecodeError(t *testing.T) {
	p, dir := newTestPreviewer(t, &recordingSurface{})
	broken := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(broken, []byte("garbage"), 0o644))

	done, err := p.SelectFile(broken)
	require.NoError(t, err)
	assert.ErrorIs(t, waitDecode(t, done), ErrUnsupportedImage)

	_, ok := p.Dimensions()
	assert.False(t, ok)
}

func TestPreviewerClose(t *testing.T) {
	p, dir := newTestPreviewer(t, &recordingSurface{})
	done, err := p.SelectFile(writeTestImage(t, dir, "a.png", 8, 8))
	require.NoError(t, err)
	require.NoError(t, waitDecode(t, done))

	p.mu.Lock()
	src := p.source
	p.mu.Unlock()

	require.NoError(t, p.Close())
	assert.True(t, src.Released())
	assert.NoError(t, p.Close())

	_, ok := p.Dimensions()
	assert.False(t, ok)
}

func TestPreviewerGenerateValidation(t *testing.T) {
	c, err := NewClient(ClientConfig{URL: "http://127.0.0.1:1/resize"})
	require.NoError(t, err)

	p, dir := newTestPreviewer(t, nil)
	_, err = p.Generate(context.Background(), c)
	assert.ErrorIs(t, err, ErrNoSource)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	empty := NewPreviewer(PreviewerConfig{Outputs: &OutputSet{}})
	defer empty.Close()
	_, err = empty.SelectFile(writeTestImage(t, dir, "a.png", 8, 8))
	require.NoError(t, err)
	_, err = empty.Generate(context.Background(), c)
	assert.ErrorIs(t, err, ErrNoOutputs)
}

func TestPreviewerGenerateSnapshotsSource(t *testing.T) {
	p, dir := newTestPreviewer(t, nil)
	first := writeTestImage(t, dir, "first.png", 8, 4)
	done, err := p.SelectFile(first)
	require.NoError(t, err)
	require.NoError(t, waitDecode(t, done))

	req, err := p.resizeRequest()
	require.NoError(t, err)

	// replacing and closing the source must not affect a request in flight
	_, err = p.SelectFile(writeTestImage(t, dir, "second.png", 2, 2))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	data, err := io.ReadAll(req.Image)
	require.NoError(t, err)
	assert.Equal(t, readFile(t, first), data)
	assert.Equal(t, "first.png", req.Filename)
}

func TestPreviewerGenerate(t *testing.T) {
	srv, got := captureServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("ok"))
	})
	c := newTestClient(t, srv.URL, "")

	p, dir := newTestPreviewer(t, nil)
	src := writeTestImage(t, dir, "cat.png", 6, 6)
	_, err := p.SelectFile(src)
	require.NoError(t, err)
	p.SetPolicy(FitContain)

	res, err := p.Generate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "cat_512x512.png", res.Filename)
	assert.Equal(t, readFile(t, src), got.image)
	assert.Equal(t, []OutputSpec{DefaultOutputSpec()}, got.outputs)
	assert.Equal(t, []string{"contain"}, got.values[FieldFit])
}
