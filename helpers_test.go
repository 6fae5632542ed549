package framer

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	return imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
}

// writeTestImage saves a w x h image to dir/name, in the format its extension names.
func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(testImage(w, h), p))
	return p
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, imaging.Encode(buf, testImage(w, h), imaging.PNG))
	return buf.Bytes()
}

func readFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return data
}
