package framer

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Source is the selected source file. It owns the open file until Release
// is called; Release closes it exactly once.
type Source struct {
	name string
	file *os.File
	size int64

	releaseOnce sync.Once
	releaseErr  error
	released    chan struct{}
}

func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("not a file: %v", path)
	}

	return &Source{
		name:     filepath.Base(path),
		file:     f,
		size:     fi.Size(),
		released: make(chan struct{}),
	}, nil
}

// Name is the file name including its extension.
func (s *Source) Name() string {
	return s.name
}

// BaseName is the file name without its extension.
func (s *Source) BaseName() string {
	return baseName(s.name)
}

func (s *Source) Size() int64 {
	return s.size
}

// Reader returns a new reader positioned at the start of the file.
// Readers may be used concurrently.
func (s *Source) Reader() io.Reader {
	return io.NewSectionReader(s.file, 0, s.size)
}

func (s *Source) Release() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.file.Close()
		close(s.released)
	})
	return s.releaseErr
}

func (s *Source) Released() bool {
	select {
	case <-s.released:
		return true
	default:
		return false
	}
}

// DecodeImage decodes a png, jpeg or webp image. Only the first frame of
// multi-frame images is returned.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, nil
}

// DecodeSize reads only the image header.
func DecodeSize(r io.Reader) (Size, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return Size{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return Size{Width: cfg.Width, Height: cfg.Height}, nil
}

func baseName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "image"
	}
	return base
}
