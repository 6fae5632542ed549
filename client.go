package framer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Name used for multi-output responses without a Content-Disposition filename.
const ZipFilename = "resized-images.zip"

// Form field names of a resize request.
const (
	FieldImage          = "image"
	FieldOutputs        = "outputs"
	FieldMaintainAspect = "maintainAspect"
	FieldFit            = "fit"
)

// maxErrorBody bounds how much of an error response is surfaced.
const maxErrorBody = 64 << 10

type ClientConfig struct {
	// URL of the resize endpoint, e.g. http://localhost:7664/resize.
	URL string

	// Token is sent as a bearer token when set.
	Token string

	HTTPClient *http.Client
	Logger     hclog.Logger
}

// Client calls the resize service. It never retries.
type Client struct {
	conf ClientConfig
	url  *url.URL
}

func NewClient(conf ClientConfig) (*Client, error) {
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	if conf.HTTPClient == nil {
		conf.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}

	u, err := url.Parse(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported service URL scheme: %q", u.Scheme)
	}
	return &Client{conf: conf, url: u}, nil
}

type ResizeRequest struct {
	// Filename of the source, used to name the result.
	Filename string
	Image    io.Reader

	Outputs        []OutputSpec
	MaintainAspect bool
	Policy         FitPolicy
}

// Result is a resized image, or a zip archive when several outputs were requested.
type Result struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (r *Result) IsArchive() bool {
	return r.ContentType == "application/zip"
}

func (c *Client) Resize(ctx context.Context, req ResizeRequest) (*Result, error) {
	if req.Image == nil {
		return nil, ErrNoSource
	}
	if len(req.Outputs) == 0 {
		return nil, ErrNoOutputs
	}

	body, contentType, err := encodeResizeForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.conf.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.conf.Token)
	}

	c.conf.Logger.Debug("Resize request", "url", c.url.Redacted(), "file", req.Filename, "outputs", len(req.Outputs))
	resp, err := c.conf.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.conf.Logger.Debug("Resize failed", "status", resp.StatusCode)
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !(strings.HasPrefix(mediaType, "image/") || mediaType == "application/zip") {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	name := DispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = ResultFilename(req.Filename, req.Outputs)
	}
	c.conf.Logger.Debug("Resize done", "filename", name, "type", mediaType, "bytes", len(data))

	return &Result{Filename: name, ContentType: mediaType, Data: data}, nil
}

func encodeResizeForm(req ResizeRequest) (io.Reader, string, error) {
	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return nil, "", err
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	filename := req.Filename
	if filename == "" {
		filename = "image"
	}
	fw, err := mw.CreateFormFile(FieldImage, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, req.Image); err != nil {
		return nil, "", fmt.Errorf("failed to read source: %w", err)
	}

	if err := mw.WriteField(FieldOutputs, string(outputs)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField(FieldMaintainAspect, strconv.FormatBool(req.MaintainAspect)); err != nil {
		return nil, "", err
	}
	if req.MaintainAspect {
		if err := mw.WriteField(FieldFit, req.Policy.String()); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

var filenameRE = regexp.MustCompile(`filename=([^;]+)`)

// DispositionFilename extracts filename=<name> from a Content-Disposition
// header, without quotes. It returns "" when there is none.
func DispositionFilename(header string) string {
	m := filenameRE.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"'`)
}

// ResultFilename names a result the server did not name:
// <base>_<width>x<height>.<format> for one output, ZipFilename otherwise.
func ResultFilename(source string, outputs []OutputSpec) string {
	if len(outputs) != 1 {
		return ZipFilename
	}
	return outputFilename(baseName(source), outputs[0])
}

func outputFilename(base string, o OutputSpec) string {
	return fmt.Sprintf("%s_%dx%d.%s", base, o.Width, o.Height, o.Format)
}
