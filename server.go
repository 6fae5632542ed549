package framer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultMaxOutputs     = 16
)

var defaultAllowedExts = []string{".png", ".jpg", ".jpeg", ".webp"}

type ServerConfig struct {
	SourceDir    string
	ThumbnailDir string
	AllowedExts  []string

	// Requests to /resize and uploads need this bearer token when set.
	Token string

	MaxUploadBytes int64
	MaxOutputs     int
	Quality        int

	Resizer ImageResizer
	Logger  hclog.Logger
}

type Server struct {
	conf    *ServerConfig
	handler http.Handler

	thumbnailMutex    sync.Mutex
	pendingThumbnails map[string][]chan error
}

func NewServer(conf ServerConfig) (*Server, error) {
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	if conf.Resizer == nil {
		return nil, errors.New("no resizer configured")
	}
	if len(conf.AllowedExts) == 0 {
		conf.AllowedExts = defaultAllowedExts
	}
	if conf.MaxUploadBytes <= 0 {
		conf.MaxUploadBytes = defaultMaxUploadBytes
	}
	if conf.MaxOutputs <= 0 {
		conf.MaxOutputs = defaultMaxOutputs
	}

	s := &Server{
		conf:              &conf,
		pendingThumbnails: make(map[string][]chan error),
	}

	mux := http.NewServeMux()
	mux.Handle("/resize", s.resizeHandler())
	mux.Handle("/source/", s.sourceHandler())
	mux.Handle("/thumbnail/", s.thumbnailHandler())

	h := http.Handler(mux)
	h = s.slashRemover(h)
	s.handler = h
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) resizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.resize(w, r)
	})
}

type resizeForm struct {
	outputs        []OutputSpec
	maintainAspect bool
	policy         FitPolicy
}

func (s *Server) parseResizeForm(values map[string][]string) (resizeForm, error) {
	var f resizeForm
	get := func(key string) (string, bool) {
		v, ok := values[key]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}

	raw, ok := get(FieldOutputs)
	if !ok {
		return f, &ValidationError{Reason: "missing outputs"}
	}
	if err := json.Unmarshal([]byte(raw), &f.outputs); err != nil {
		return f, &ValidationError{Reason: fmt.Sprintf("invalid outputs: %v", err)}
	}
	if len(f.outputs) == 0 {
		return f, ErrNoOutputs
	}
	if len(f.outputs) > s.conf.MaxOutputs {
		return f, &ValidationError{Reason: fmt.Sprintf("too many outputs: %d (max %d)", len(f.outputs), s.conf.MaxOutputs)}
	}

	if v, ok := get(FieldMaintainAspect); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &ValidationError{Reason: fmt.Sprintf("invalid maintainAspect: %q", v)}
		}
		f.maintainAspect = b
	}

	f.policy = FitStretch
	if f.maintainAspect {
		f.policy = FitCover
		if v, ok := get(FieldFit); ok {
			p, err := ParseFitPolicy(v)
			if err != nil {
				return f, &ValidationError{Reason: err.Error()}
			}
			f.policy = p
		}
	}
	return f, nil
}

type renderedOutput struct {
	name string
	spec OutputSpec
	data []byte
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.conf.MaxUploadBytes)
	err := r.ParseMultipartForm(s.conf.MaxUploadBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.conf.Logger.Debug("Invalid multipart form", "error", err)
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	form, err := s.parseResizeForm(r.MultipartForm.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile(FieldImage)
	if err != nil {
		http.Error(w, "Missing image", http.StatusBadRequest)
		return
	}
	defer file.Close()
	src, err := io.ReadAll(file)
	if err != nil {
		s.conf.Logger.Error("Failed to read upload", "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	base := baseName(header.Filename)
	seen := make(map[string]int)
	rendered := make([]renderedOutput, 0, len(form.outputs))
	for _, o := range form.outputs {
		size := o.Size()
		o.Width, o.Height = size.Width, size.Height

		buf := &bytes.Buffer{}
		err := s.conf.Resizer.Resize(r.Context(), buf, src, ResizeOptions{
			Output:         o,
			MaintainAspect: form.maintainAspect,
			Policy:         form.policy,
			Quality:        s.conf.Quality,
		})
		if errors.Is(err, ErrUnsupportedImage) {
			http.Error(w, "Unsupported image", http.StatusBadRequest)
			return
		}
		if err != nil {
			s.conf.Logger.Error("Failed to resize", "file", header.Filename, "output", o, "error", err)
			http.Error(w, "Resize failed", http.StatusInternalServerError)
			return
		}

		rendered = append(rendered, renderedOutput{
			name: uniqueName(seen, outputFilename(base, o)),
			spec: o,
			data: buf.Bytes(),
		})
	}

	if len(rendered) == 1 {
		out := rendered[0]
		s.writeAttachment(w, out.name, out.spec.Format.ContentType(), out.data)
		return
	}

	archive, err := archiveOutputs(rendered)
	if err != nil {
		s.conf.Logger.Error("Failed to create archive", "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	s.writeAttachment(w, base+"_resized.zip", "application/zip", archive)
}

func (s *Server) writeAttachment(w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("content-type", contentType)
	w.Header().Set("content-length", strconv.Itoa(len(data)))
	w.Header().Set("content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.conf.Logger.Debug("Failed to write response", "error", err)
	}
}

func archiveOutputs(outputs []renderedOutput) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, o := range outputs {
		w, err := zw.Create(o.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(o.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// uniqueName appends -2, -3, ... to names already handed out.
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.conf.Token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.conf.Token)) == 1
}

func (s *Server) thumbnailHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" || r.Method == "HEAD" {
			s.serveThumbnail(w, r)
			return
		}

		http.Error(w, "Error", http.StatusBadRequest)
	})
}

// thumbnail is a rendering of the source key at a size and fit policy,
// addressed as /thumbnail/<fit>/<W>x<H>/<key>.
type thumbnail struct {
	policy FitPolicy
	size   Size
	key    string
}

func (t thumbnail) relPath() string {
	return path.Join(t.policy.String(), t.size.String(), t.key)
}

func (s *Server) parseThumbnail(p string) (thumbnail, error) {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) != 3 {
		return thumbnail{}, fmt.Errorf("invalid thumbnail path: %v", p)
	}
	policy, err := ParseFitPolicy(parts[0])
	if err != nil || parts[0] != policy.String() {
		return thumbnail{}, fmt.Errorf("invalid fit: %v", parts[0])
	}
	spec, err := ParseOutputSpec(parts[1])
	if err != nil {
		return thumbnail{}, err
	}
	size := spec.Size()
	if size.String() != parts[1] {
		return thumbnail{}, fmt.Errorf("invalid size: %v", parts[1])
	}
	if err := s.validateKey(parts[2]); err != nil {
		return thumbnail{}, err
	}
	return thumbnail{policy: policy, size: size, key: parts[2]}, nil
}

func (s *Server) serveThumbnail(w http.ResponseWriter, r *http.Request) {
	t, err := s.parseThumbnail(strings.TrimSpace(removePrefix(r.URL.Path, "/thumbnail/")))
	if err != nil {
		s.conf.Logger.Error("Invalid thumbnail", "error", err)
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	f, err := s.openThumbnail(t)
	if err != nil && !os.IsNotExist(err) {
		s.conf.Logger.Error("Failed to open thumbnail", "key", t.relPath(), "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	if os.IsNotExist(err) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	s.serveFile(w, r, f)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f *os.File) {
	fi, err := f.Stat()
	if err != nil {
		s.conf.Logger.Error("Failed to get file info", "path", f.Name(), "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	if r.Method == "HEAD" {
		w.Header().Set("content-type", mime.TypeByExtension(filepath.Ext(fi.Name())))
		w.Header().Set("content-length", strconv.FormatInt(fi.Size(), 10))
		w.Header().Set("last-modified", fi.ModTime().UTC().Format(http.TimeFormat))
		w.WriteHeader(200)
		return
	}

	s.conf.Logger.Debug("Serve", "path", f.Name())
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (s *Server) thumbnailPath(t thumbnail) string {
	return filepath.Join(s.conf.ThumbnailDir, keyFilepath(t.relPath()))
}

func (s *Server) openThumbnail(t thumbnail) (*os.File, error) {
	path := s.thumbnailPath(t)
	s.conf.Logger.Debug("Open", "path", path)
	f, err := os.Open(path)
	if (err != nil && !os.IsNotExist(err)) || err == nil {
		return f, err
	}

	key := t.relPath()
	s.thumbnailMutex.Lock()
	ch := make(chan error, 1)
	s.pendingThumbnails[key] = append(s.pendingThumbnails[key], ch)
	if len(s.pendingThumbnails[key]) == 1 {
		go s.createThumbnail(t, path)
	}
	s.thumbnailMutex.Unlock()

	err = <-ch
	if err != nil {
		return nil, err
	}
	s.conf.Logger.Debug("Open", "path", path)
	return os.Open(path)
}

func (s *Server) createThumbnail(t thumbnail, path string) {
	key := t.relPath()
	_, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		s.sendThumbnailResult(key, err)
		return
	}
	if err == nil {
		s.sendThumbnailResult(key, nil)
		return
	}

	s.sendThumbnailResult(key, s.renderThumbnail(t, path))
}

func (s *Server) renderThumbnail(t thumbnail, path string) error {
	src, err := os.ReadFile(filepath.Join(s.conf.SourceDir, keyFilepath(t.key)))
	if err != nil {
		return err
	}
	format, err := ParseFormat(strings.TrimPrefix(filepath.Ext(t.key), "."))
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0754); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".thumbnail-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	s.conf.Logger.Debug("Render thumbnail", "key", t.relPath())
	err = s.conf.Resizer.Resize(context.Background(), tmp, src, ResizeOptions{
		Output:         OutputSpec{Width: t.size.Width, Height: t.size.Height, Format: format},
		MaintainAspect: t.policy != FitStretch,
		Policy:         t.policy,
		Quality:        s.conf.Quality,
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to render thumbnail: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Server) sendThumbnailResult(key string, err error) {
	s.thumbnailMutex.Lock()
	defer s.thumbnailMutex.Unlock()

	if err != nil && !os.IsNotExist(err) {
		s.conf.Logger.Error("Failed to create thumbnail", "key", key, "error", err)
	}
	for _, ch := range s.pendingThumbnails[key] {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	delete(s.pendingThumbnails, key)
}

func (s *Server) sourceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" || r.Method == "HEAD" {
			s.serveSource(w, r)
			return
		}
		if r.Method == "PUT" {
			if !s.authorized(r) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			s.saveSource(w, r)
			return
		}

		http.Error(w, "Error", http.StatusBadRequest)
	})
}

func removePrefix(url, prefix string) string {
	return strings.Replace(url, prefix, "", 1)
}

func (s *Server) serveSource(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(removePrefix(r.URL.Path, "/source/"))
	err := s.validateKey(key)
	if err != nil {
		s.conf.Logger.Error("Invalid key", "error", err)
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	p := filepath.Join(s.conf.SourceDir, keyFilepath(key))
	s.conf.Logger.Debug("Open", "path", p)
	f, err := os.Open(p)
	if err != nil && !os.IsNotExist(err) {
		s.conf.Logger.Error("Failed to open file", "path", p, "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	if os.IsNotExist(err) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	s.serveFile(w, r, f)
}

func (s *Server) saveSource(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(removePrefix(r.URL.Path, "/source/"))
	err := s.validateKey(key)
	if err != nil {
		s.conf.Logger.Error("Invalid key", "error", err)
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	p := filepath.Join(s.conf.SourceDir, keyFilepath(key))
	dir := filepath.Dir(p)
	err = os.MkdirAll(dir, 0754)
	if err != nil {
		s.conf.Logger.Error("Failed to create dir", "dir", dir, "error", err)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.conf.MaxUploadBytes)
	_, err = s.writeFileMD5(p, body)
	if os.IsExist(err) {
		http.Error(w, "Already exists", http.StatusConflict)
		return
	}
	if err != nil {
		s.conf.Logger.Error("Failed to write file", "path", p, "error", err)
		os.Remove(p)
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func keyFilepath(key string) string {
	return filepath.FromSlash(key)
}

var keyRE *regexp.Regexp = regexp.MustCompile(`^[a-zA-Z0-9/._-]+$`)

func (s *Server) validateKey(key string) error {
	if !keyRE.Match([]byte(key)) {
		return fmt.Errorf("invalid key: %v", key)
	}

	keyCopy := key
	key = path.Clean(keyCopy)
	if key != keyCopy ||
		key == "." ||
		key[0] == '/' ||
		strings.Contains(key, "..") {
		return fmt.Errorf("invalid key: %v", key)
	}

	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		return fmt.Errorf("no ext: %v", key)
	}

	for _, e := range s.conf.AllowedExts {
		if ext == e {
			return nil
		}
	}
	return fmt.Errorf("invalid ext: %v", key)
}

func (s *Server) writeFileMD5(path string, r io.Reader) (int64, error) {
	s.conf.Logger.Debug("Write file", "path", path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := md5.New()
	w := io.MultiWriter(f, h)
	n, err := io.Copy(w, r)
	if err != nil {
		return n, err
	}

	sum := fmt.Sprintf("%x", h.Sum(nil))
	pathMD5 := path + ".md5"
	s.conf.Logger.Debug("Write MD5 file", "path", pathMD5, "md5", sum)
	return n, os.WriteFile(pathMD5, []byte(sum), 0644)
}

func (s *Server) slashRemover(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prefer non-trailing slash URLs over trailing slash URLs.
		p := r.URL.Path
		if p != "/" && p[len(p)-1] == '/' {
			p = strings.TrimRight(p, "/")
			http.Redirect(w, r, p, http.StatusMovedPermanently)
			return
		}
		h.ServeHTTP(w, r)
	})
}
