package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szxp/framer"
)

func TestRunGenerateRejectsUndecodableSource(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "Unsupported image", http.StatusBadRequest)
	}))
	defer srv.Close()
	t.Setenv(envServiceURL, srv.URL+"/resize")

	dir := t.TempDir()
	in := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(in, []byte("not an image"), 0644))

	err := runGenerate([]string{"-in", in, "-out", filepath.Join(dir, "out")})
	assert.ErrorIs(t, err, framer.ErrUnsupportedImage)
	assert.Zero(t, requests.Load())
}
